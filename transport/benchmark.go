package transport

import "time"

// BenchmarkResult reports one direction's measured throughput from Benchmark.
type BenchmarkResult struct {
	BytesPerSec float64
	RoundTrips  int
	Elapsed     time.Duration
}

// Benchmark measures round-trip chunked read/write throughput between two
// already-connected Sessions (one driving, one echoing), for operators
// validating a cluster's network before a real run. Not in the inference
// hot path.
func Benchmark(driver, echo *Session, payloadSize, roundTrips int) (BenchmarkResult, error) {
	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	reply := make([]byte, payloadSize)

	errc := make(chan error, 1)
	go func() {
		for i := 0; i < roundTrips; i++ {
			buf := make([]byte, payloadSize)
			if err := echo.Read(buf); err != nil {
				errc <- err
				return
			}
			if err := echo.Write(buf); err != nil {
				errc <- err
				return
			}
		}
		errc <- nil
	}()

	start := time.Now()
	for i := 0; i < roundTrips; i++ {
		if err := driver.Write(payload); err != nil {
			return BenchmarkResult{}, err
		}
		if err := driver.Read(reply); err != nil {
			return BenchmarkResult{}, err
		}
	}
	elapsed := time.Since(start)
	if err := <-errc; err != nil {
		return BenchmarkResult{}, err
	}

	totalBytes := float64(payloadSize) * float64(roundTrips) * 2
	return BenchmarkResult{
		BytesPerSec: totalBytes / elapsed.Seconds(),
		RoundTrips:  roundTrips,
		Elapsed:     elapsed,
	}, nil
}
