package core

// ProxyConfig names the local transparent proxy that intercepted flows are
// spliced onto.
type ProxyConfig struct {
	// Address is the proxy IPv4 address.
	Address string `json:"address" yaml:"address"`

	// Port is the proxy TCP port.
	Port int `json:"port" yaml:"port"`
}

// QueueConfig contains configuration for the packet interception queues.
type QueueConfig struct {
	// PreRouting is the NFQUEUE number bound to the pre-routing hook.
	PreRouting uint16 `json:"pre_routing" yaml:"preRouting"`

	// PostRouting is the NFQUEUE number bound to the post-routing hook.
	PostRouting uint16 `json:"post_routing" yaml:"postRouting"`

	// MaxQueueLen is the kernel queue length for each NFQUEUE.
	MaxQueueLen uint32 `json:"max_queue_len" yaml:"maxQueueLen"`

	// IgnoreMark is the firewall mark set on re-injected packets. Packets
	// carrying it are accepted without inspection.
	IgnoreMark uint32 `json:"ignore_mark" yaml:"ignoreMark"`

	// Workers is the number of verdict workers.
	Workers int `json:"workers" yaml:"workers"`

	// WorkerQueue is the per-worker queue capacity.
	WorkerQueue int `json:"worker_queue" yaml:"workerQueue"`
}

// FlowConfig contains configuration for the flow table.
type FlowConfig struct {
	// Interface is the protected LAN interface. Handshake templates are
	// captured from it and its link state drives start/pause.
	Interface string `json:"interface" yaml:"interface"`

	// Buckets is the number of hash buckets.
	Buckets int `json:"buckets" yaml:"buckets"`

	// BucketSize is the number of flows a bucket can hold.
	BucketSize int `json:"bucket_size" yaml:"bucketSize"`

	// MaxPending is the number of early segments buffered per flow before
	// the proxy handshake completes.
	MaxPending int `json:"max_pending" yaml:"maxPending"`

	// IdleTimeout tears down flows that saw no packet for this long.
	IdleTimeout string `json:"idle_timeout" yaml:"idleTimeout"`

	// TimeWait is how long a flow lingers in TIME_WAIT.
	TimeWait string `json:"time_wait" yaml:"timeWait"`

	// ReapInterval is how often idle flows are collected.
	ReapInterval string `json:"reap_interval" yaml:"reapInterval"`

	// TemplateRefresh is the minimum age before a cached handshake template
	// is replaced.
	TemplateRefresh string `json:"template_refresh" yaml:"templateRefresh"`
}

// ClassifierConfig contains configuration for the HTTP GET classifier.
type ClassifierConfig struct {
	// Ports are the destination ports whose first payload is classified.
	Ports []int `json:"ports" yaml:"ports"`

	// ExcludeHosts lists hosts that are never intercepted. A request matches
	// when its Host header contains any entry.
	ExcludeHosts []string `json:"exclude_hosts" yaml:"excludeHosts"`

	// ExcludeExtensions lists URL suffixes that are never intercepted.
	ExcludeExtensions []string `json:"exclude_extensions" yaml:"excludeExtensions"`

	// RulesFile optionally names a rules file with [host_whitelist] and
	// [ext_whitelist] sections; its entries are added to the lists above.
	RulesFile string `json:"rules_file" yaml:"rulesFile"`

	// StatsInterval is how often classifier counters are logged.
	StatsInterval string `json:"stats_interval" yaml:"statsInterval"`
}
