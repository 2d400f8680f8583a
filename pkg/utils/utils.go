package utils

import "time"

var (
	MetricPrefix = "worker_autoscaler"
	// Handler durations range from a few microseconds to long running,
	// worker-blocking jobs.
	MetricHistogramBuckets = []float64{
		.000_1, .000_5, .001, .005, .010, .025, .050,
		.100, .250, .500, 1, 2.5, 5, 10, 30, 60, 120, 300}
)

func Contains(s []string, e string) bool {
	for _, a := range s {
		if a == e {
			return true
		}
	}
	return false
}

// SecondsToDuration converts a whole number of seconds as found in config files
func SecondsToDuration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}
