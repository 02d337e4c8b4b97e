package metrics

import "github.com/prometheus/client_golang/prometheus"

// namespace prefixes every metric exposed by saltcore components.
const namespace = "salt"

// Registry is the Prometheus registry all saltcore metrics register into.
// A dedicated registry (rather than the global default) keeps a Master,
// Minion, and Syndic running in the same test process from clobbering each
// other's metric families.
var Registry = prometheus.NewRegistry()
