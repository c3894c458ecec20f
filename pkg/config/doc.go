/*
Package config loads suprimo's runtime configuration.

Configuration comes from three layers, later layers overriding earlier ones:

 1. compiled-in defaults (Default)
 2. an optional YAML file (Load)
 3. environment variables (LOCK_TTL_MS, OUTBOX_BATCH_SIZE, ...)

All duration-valued environment keys are integers in milliseconds, matching
the deployment convention of the surrounding platform. Malformed or negative
values are ignored rather than failing startup.
*/
package config
