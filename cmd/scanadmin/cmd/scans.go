package cmd

import (
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

// ScanSession mirrors the API's scan session response.
type ScanSession struct {
	ID            string    `json:"id" yaml:"id"`
	OwnerID       string    `json:"owner_id" yaml:"owner_id"`
	URL           string    `json:"url" yaml:"url"`
	IPAddress     string    `json:"ip_address,omitempty" yaml:"ip_address,omitempty"`
	WebServer     string    `json:"web_server,omitempty" yaml:"web_server,omitempty"`
	AuthMethod    string    `json:"auth_method,omitempty" yaml:"auth_method,omitempty"`
	Phase         string    `json:"phase" yaml:"phase"`
	CrawlProgress int       `json:"crawl_progress" yaml:"crawl_progress"`
	ScanProgress  int       `json:"scan_progress" yaml:"scan_progress"`
	CrawlResults  []string  `json:"crawl_results,omitempty" yaml:"crawl_results,omitempty"`
	ScanResults   []Finding `json:"scan_results,omitempty" yaml:"scan_results,omitempty"`
	ErrorDetail   string    `json:"error_detail,omitempty" yaml:"error_detail,omitempty"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" yaml:"updated_at"`
}

// Finding mirrors one finding in the API's scan results.
type Finding struct {
	Name         string   `json:"name" yaml:"name"`
	URLs         []string `json:"urls" yaml:"urls"`
	Risk         string   `json:"risk" yaml:"risk"`
	Confidence   string   `json:"confidence" yaml:"confidence"`
	Description  string   `json:"description" yaml:"description"`
	Solution     string   `json:"solution" yaml:"solution"`
	PlainSummary string   `json:"plain_summary" yaml:"plain_summary"`
}

// ScanList mirrors the API's list response.
type ScanList struct {
	Data  []ScanSession `json:"data" yaml:"data"`
	Total int           `json:"total" yaml:"total"`
}

// Stats mirrors the API's stats response.
type Stats struct {
	TotalScans           int64 `json:"total_scans" yaml:"total_scans"`
	TotalVulnerabilities int64 `json:"total_vulnerabilities" yaml:"total_vulnerabilities"`
	ActiveScans          int64 `json:"active_scans" yaml:"active_scans"`
	FailedScans          int64 `json:"failed_scans" yaml:"failed_scans"`
}

var startCmd = &cobra.Command{
	Use:   "start <url>",
	Short: "Start a scan for a target URL",
	Args:  cobra.ExactArgs(1),
	RunE:  runStart,
}

var getCmd = &cobra.Command{
	Use:   "get [id]",
	Short: "List scans, or show one scan with its findings",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runGet,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a scan session",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate scan statistics",
	RunE:  runStats,
}

func runStart(_ *cobra.Command, args []string) error {
	client := mustClient()

	body := map[string]string{
		"url":      args[0],
		"owner_id": mustOwner(),
	}

	data, err := client.Post("/api/v1/scans", body)
	if err != nil {
		return err
	}

	var session ScanSession
	if err := unmarshal(data, &session); err != nil {
		return err
	}

	switch flagOutput {
	case outputJSON:
		printJSON(session)
	case outputYAML:
		printYAML(session)
	default:
		fmt.Printf("Scan %s started for %s\n", session.ID, session.URL)
	}
	return nil
}

func runGet(_ *cobra.Command, args []string) error {
	client := mustClient()
	owner := url.QueryEscape(mustOwner())

	if len(args) == 1 {
		data, err := client.Get("/api/v1/scans/" + args[0] + "?owner_id=" + owner)
		if err != nil {
			return err
		}

		var session ScanSession
		if err := unmarshal(data, &session); err != nil {
			return err
		}
		printSession(&session)
		return nil
	}

	data, err := client.Get("/api/v1/scans?owner_id=" + owner)
	if err != nil {
		return err
	}

	var list ScanList
	if err := unmarshal(data, &list); err != nil {
		return err
	}

	switch flagOutput {
	case outputJSON:
		printJSON(list)
	case outputYAML:
		printYAML(list)
	default:
		t := newTable("ID", "URL", "PHASE", "CRAWL", "SCAN", "FINDINGS", "CREATED")
		for _, s := range list.Data {
			t.AddRow(
				s.ID,
				s.URL,
				s.Phase,
				progress(s.CrawlProgress),
				progress(s.ScanProgress),
				strconv.Itoa(len(s.ScanResults)),
				s.CreatedAt.Format(time.RFC3339),
			)
		}
		t.Flush()
	}
	return nil
}

func runDelete(_ *cobra.Command, args []string) error {
	client := mustClient()
	owner := url.QueryEscape(mustOwner())

	if err := client.Delete("/api/v1/scans/" + args[0] + "?owner_id=" + owner); err != nil {
		return err
	}

	fmt.Printf("Scan %s deleted\n", args[0])
	return nil
}

func runStats(_ *cobra.Command, _ []string) error {
	client := mustClient()
	owner := url.QueryEscape(mustOwner())

	data, err := client.Get("/api/v1/stats?owner_id=" + owner)
	if err != nil {
		return err
	}

	var stats Stats
	if err := unmarshal(data, &stats); err != nil {
		return err
	}

	switch flagOutput {
	case outputJSON:
		printJSON(stats)
	case outputYAML:
		printYAML(stats)
	default:
		t := newTable("TOTAL", "ACTIVE", "FAILED", "VULNERABILITIES")
		t.AddRow(
			strconv.FormatInt(stats.TotalScans, 10),
			strconv.FormatInt(stats.ActiveScans, 10),
			strconv.FormatInt(stats.FailedScans, 10),
			strconv.FormatInt(stats.TotalVulnerabilities, 10),
		)
		t.Flush()
	}
	return nil
}

func printSession(s *ScanSession) {
	switch flagOutput {
	case outputJSON:
		printJSON(s)
		return
	case outputYAML:
		printYAML(s)
		return
	}

	fmt.Printf("ID:          %s\n", s.ID)
	fmt.Printf("URL:         %s\n", s.URL)
	fmt.Printf("Phase:       %s\n", s.Phase)
	fmt.Printf("Crawl:       %s\n", progress(s.CrawlProgress))
	fmt.Printf("Scan:        %s\n", progress(s.ScanProgress))
	if s.IPAddress != "" {
		fmt.Printf("IP:          %s\n", s.IPAddress)
	}
	if s.WebServer != "" {
		fmt.Printf("Web server:  %s\n", s.WebServer)
	}
	if s.AuthMethod != "" {
		fmt.Printf("Auth:        %s\n", s.AuthMethod)
	}
	if s.ErrorDetail != "" {
		fmt.Printf("Error:       %s\n", s.ErrorDetail)
	}
	fmt.Printf("Created:     %s\n", s.CreatedAt.Format(time.RFC3339))

	if len(s.ScanResults) > 0 {
		fmt.Println()
		t := newTable("FINDING", "RISK", "CONFIDENCE", "URLS")
		for _, f := range s.ScanResults {
			t.AddRow(f.Name, f.Risk, f.Confidence, strconv.Itoa(len(f.URLs)))
		}
		t.Flush()
	}
}

func progress(p int) string {
	if p < 0 {
		return "failed"
	}
	return strconv.Itoa(p) + "%"
}
