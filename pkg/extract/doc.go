/*
Package extract reads structured quotes out of supplier reply emails.

The primary oracle (an external service) runs behind a circuit breaker;
three consecutive failures trip it open for thirty seconds. Any primary
failure, including an open circuit, degrades to the deterministic regex
extractor, which recognizes Brazilian-Portuguese and English quote
fragments and reports an accumulated confidence score.
*/
package extract
