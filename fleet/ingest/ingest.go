package ingest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/SiriusScan/go-fleet/fleet"
	"github.com/SiriusScan/go-fleet/fleet/notify"
)

// MaxLineSize bounds one line of engine output.
const MaxLineSize = 4 << 20

// FindingStore persists findings.
type FindingStore interface {
	SaveFinding(ctx context.Context, f fleet.Finding) error
}

// Source identifies where a stream of engine output came from.
type Source struct {
	HostID uint
	TaskID uint
}

// Stats counts the outcome of one Ingest call.
type Stats struct {
	Lines     int `json:"lines"`
	Ingested  int `json:"ingested"`
	Malformed int `json:"malformed"`
	Failed    int `json:"failed"`
}

func (s *Stats) Add(o Stats) {
	s.Lines += o.Lines
	s.Ingested += o.Ingested
	s.Malformed += o.Malformed
	s.Failed += o.Failed
}

// Pipeline turns line-delimited engine output into stored findings for one
// region.
type Pipeline struct {
	region   string
	store    FindingStore
	resolver Resolver
	notifier notify.Notifier
	now      func() time.Time
}

func NewPipeline(region string, store FindingStore, resolver Resolver, notifier notify.Notifier) *Pipeline {
	return &Pipeline{region: region, store: store, resolver: resolver, notifier: notifier, now: time.Now}
}

func (p *Pipeline) Region() string {
	return p.region
}

// Ingest reads r line by line. Blank lines are skipped; malformed lines,
// lines over MaxLineSize and failed saves are logged and counted but never
// stop the stream. An error is returned only when r itself cannot be read.
func (p *Pipeline) Ingest(ctx context.Context, src Source, r io.Reader) (Stats, error) {
	var st Stats
	rd := bufio.NewReaderSize(r, 64*1024)

	for {
		if err := ctx.Err(); err != nil {
			return st, err
		}
		raw, oversized, rerr := readLine(rd, MaxLineSize)
		switch line := bytes.TrimSpace(raw); {
		case oversized:
			st.Lines++
			st.Malformed++
			slog.Warn("Skipping oversized scanner line", "host_id", src.HostID, "task_id", src.TaskID, "line", st.Lines, "limit", MaxLineSize)
		case len(line) > 0:
			st.Lines++
			p.ingestLine(ctx, src, line, &st)
		}
		if rerr == io.EOF {
			return st, nil
		}
		if rerr != nil {
			return st, fmt.Errorf("%w: reading output of host %d: %w", fleet.ErrParse, src.HostID, rerr)
		}
	}
}

func (p *Pipeline) ingestLine(ctx context.Context, src Source, line []byte, st *Stats) {
	f, err := p.ParseLine(ctx, src, line)
	if err != nil {
		st.Malformed++
		slog.Warn("Skipping malformed scanner line", "host_id", src.HostID, "task_id", src.TaskID, "line", st.Lines, "error", err)
		return
	}
	if err := p.Save(ctx, f); err != nil {
		st.Failed++
		slog.Error("Failed to store finding", "host_id", src.HostID, "template", f.TemplateID, "error", err)
		return
	}
	st.Ingested++
}

// readLine returns the next line of rd without its newline. A line longer
// than limit is read through to its end and dropped, with oversized set.
func readLine(rd *bufio.Reader, limit int) (line []byte, oversized bool, err error) {
	for {
		chunk, err := rd.ReadSlice('\n')
		if !oversized {
			n := len(chunk)
			if n > 0 && chunk[n-1] == '\n' {
				n--
			}
			if len(line)+n > limit {
				oversized, line = true, nil
			} else {
				line = append(line, chunk[:n]...)
			}
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		return line, oversized, err
	}
}

// Save stores f and raises an alert for high and critical findings.
func (p *Pipeline) Save(ctx context.Context, f fleet.Finding) error {
	if err := p.store.SaveFinding(ctx, f); err != nil {
		return err
	}
	if f.Severity.Alerting() {
		notify.Send(ctx, p.notifier, notify.FindingAlert(f, p.region))
	}
	return nil
}

// ParseLine converts one JSON line of engine output into a Finding.
func (p *Pipeline) ParseLine(ctx context.Context, src Source, line []byte) (fleet.Finding, error) {
	if !gjson.ValidBytes(line) {
		return fleet.Finding{}, fmt.Errorf("%w: not JSON", fleet.ErrParse)
	}
	res := gjson.ParseBytes(line)
	if !res.IsObject() {
		return fleet.Finding{}, fmt.Errorf("%w: not a JSON object", fleet.ErrParse)
	}

	host := res.Get("host").String()
	matchedAt := res.Get("matched-at").String()
	if host == "" {
		host = matchedAt
	}
	url := matchedAt
	if url == "" {
		url = host
	}

	meta, err := metadata(res)
	if err != nil {
		return fleet.Finding{}, fmt.Errorf("%w: %w", fleet.ErrParse, err)
	}

	f, err := fleet.NewFinding(fleet.Finding{
		Address:      p.address(ctx, host),
		TemplateID:   res.Get("template-id").String(),
		Method:       res.Get("type").String(),
		MatcherName:  res.Get("matcher-name").String(),
		Severity:     fleet.Severity(res.Get("info.severity").String()),
		URL:          url,
		Metadata:     meta,
		HostID:       src.HostID,
		TaskID:       src.TaskID,
		DiscoveredAt: p.discoveredAt(res.Get("timestamp").String()),
	})
	if err != nil {
		return fleet.Finding{}, fmt.Errorf("%w: %w", fleet.ErrParse, err)
	}
	return f, nil
}

// address resolves a host field to an IP, keeping the literal name when
// resolution fails.
func (p *Pipeline) address(ctx context.Context, host string) string {
	name := HostPart(host)
	if name == "" {
		return ""
	}
	if ip, err := netip.ParseAddr(name); err == nil {
		return ip.String()
	}
	if p.resolver != nil {
		if addr, ok := p.resolver.Resolve(ctx, name); ok {
			return addr
		}
	}
	return name
}

func (p *Pipeline) discoveredAt(ts string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		return t.UTC()
	}
	return p.now().UTC()
}

// metadataFields maps engine fields onto metadata keys.
var metadataFields = []struct{ from, to string }{
	{"info.name", "name"},
	{"info.description", "description"},
	{"info.tags", "tags"},
	{"info.reference", "reference"},
	{"info.classification", "classification"},
	{"extracted-results", "extracted_results"},
	{"curl-command", "curl_command"},
	{"request", "request"},
	{"response", "response"},
	{"ip", "ip"},
	{"timestamp", "engine_timestamp"},
}

func metadata(res gjson.Result) ([]byte, error) {
	out := []byte(`{}`)
	for _, fld := range metadataFields {
		v := res.Get(fld.from)
		if !v.Exists() {
			continue
		}
		var err error
		if out, err = sjson.SetRawBytes(out, fld.to, []byte(v.Raw)); err != nil {
			return nil, fmt.Errorf("metadata %s: %w", fld.to, err)
		}
	}
	return out, nil
}
