package scansession

// Finding is one deduplicated vulnerability class observed during a scan.
// Name is the deduplication key; URLs is the set of affected URLs in
// first-seen order.
type Finding struct {
	Name        string            `json:"name"`
	URLs        []string          `json:"urls"`
	Risk        string            `json:"risk"`
	Confidence  string            `json:"confidence"`
	Description string            `json:"description"`
	Solution    string            `json:"solution"`
	Reference   string            `json:"reference"`
	CWEID       string            `json:"cweid"`
	WASCID      string            `json:"wascid"`
	Tags        map[string]string `json:"tags"`

	// PlainSummary is the non-technical rewording of Description produced
	// by the aggregator. Falls back to Description when enrichment fails.
	PlainSummary string `json:"plain_summary"`
}

// RawFinding is one alert record as returned by the external scanner,
// before deduplication: one entry per URL x vulnerability-class pair.
type RawFinding struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Risk        string            `json:"risk"`
	Confidence  string            `json:"confidence"`
	Description string            `json:"description"`
	Solution    string            `json:"solution"`
	Reference   string            `json:"reference"`
	CWEID       string            `json:"cweid"`
	WASCID      string            `json:"wascid"`
	Tags        map[string]string `json:"tags"`
}
