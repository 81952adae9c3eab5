package network

// Stats receives transport counters. monitoring.LinkMetrics implements it
// with Prometheus collectors.
type Stats interface {
	AddSent(bytes int)
	AddReceived(bytes int)
	AddDropped(reason string)
	AddTermination()
}

// noopStats is used when no Stats is configured.
type noopStats struct{}

func (noopStats) AddSent(int)       {}
func (noopStats) AddReceived(int)   {}
func (noopStats) AddDropped(string) {}
func (noopStats) AddTermination()   {}
