package output

import (
	"bufio"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/flowloom/sentryd/internal/applayer"
	"github.com/flowloom/sentryd/internal/packet"
)

// HTTPLogWriter is the flat HTTP access logger (§6): one line per
// request, extracting fields from the applayer.ProtoHTTP events the
// stream's HTTP parser attached to the packet.
type HTTPLogWriter struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

func NewHTTPLogWriter(path string) (*HTTPLogWriter, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "open http log %s", path)
	}
	return &HTTPLogWriter{f: f, w: bufio.NewWriter(f)}, nil
}

var _ Output = (*HTTPLogWriter)(nil)

func (w *HTTPLogWriter) Log(pkt *packet.Packet) error {
	for _, ev := range pkt.AppEvents {
		if ev.Protocol != applayer.ProtoHTTP {
			continue
		}
		uri, ok := ev.Fields["uri"].(string)
		if !ok {
			continue // a response event carries no uri; nothing to log
		}
		host, _ := ev.Fields["host"].(string)
		ua := userAgent(ev.Fields["header"])

		line := formatHTTPLine(pkt, host, uri, ua)
		w.mu.Lock()
		_, err := w.w.WriteString(line)
		if err == nil {
			err = w.w.Flush()
		}
		w.mu.Unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

func (w *HTTPLogWriter) LogStats(StatsTable) error { return nil }

func (w *HTTPLogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.w.Flush(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

func userAgent(headerField interface{}) string {
	h, ok := headerField.(http.Header)
	if !ok {
		return "-"
	}
	if ua := h.Get("User-Agent"); ua != "" {
		return ua
	}
	return "-"
}

// formatHTTPLine renders §6's flat format:
// "%02d/%02d/%02d-%02d:%02d:%02d.%06u <host> [**] <uri> [**] <ua> [**] <sip>:<sp> -> <dip>:<dp>\n"
func formatHTTPLine(pkt *packet.Packet, host, uri, ua string) string {
	ts := pkt.Timestamp
	return fmt.Sprintf("%02d/%02d/%02d-%02d:%02d:%02d.%06d %s [**] %s [**] %s [**] %s:%d -> %s:%d\n",
		int(ts.Month()), ts.Day(), ts.Year()%100,
		ts.Hour(), ts.Minute(), ts.Second(), ts.Nanosecond()/1000,
		nonEmpty(host), uri, ua,
		pkt.SrcIP.String(), pkt.SrcPort,
		pkt.DstIP.String(), pkt.DstPort,
	)
}

func nonEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
