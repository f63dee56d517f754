package metricskey

import "github.com/effective-security/metrics"

// Perf
var (
	// PerfCryptoOperation is perf metric
	PerfCryptoOperation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_crypto",
		Help:         "perf_crypto provides the sample metrics of crypto operations",
		RequiredTags: []string{"provider", "action"},
	}

	// PerfStorageOperation is perf metric
	PerfStorageOperation = metrics.Describe{
		Type:         metrics.TypeSample,
		Name:         "perf_storage",
		Help:         "perf_storage provides the sample metrics of key and certificate storage operations",
		RequiredTags: []string{"storage", "action"},
	}
)

// Metrics returns slice of metrics from this repo
var Metrics = []*metrics.Describe{
	&PerfCryptoOperation,
	&PerfStorageOperation,
}
