package applayer

import (
	httpparse "github.com/flowloom/sentryd/internal/applayer/http"
	"github.com/flowloom/sentryd/internal/memview"
)

// HTTPParser adapts internal/applayer/http into the Parser plugin contract.
type HTTPParser struct{}

var _ Parser = HTTPParser{}

func (HTTPParser) Name() string        { return "HTTP/1.x parser" }
func (HTTPParser) Protocol() Protocol   { return ProtoHTTP }

func (HTTPParser) Parse(toServer bool, data []byte) ([]Event, error) {
	mv := memview.New(data)

	if toServer {
		req, err := httpparse.ParseRequest(mv)
		if err != nil {
			return nil, nil
		}
		return []Event{{
			Protocol: ProtoHTTP,
			Fields: map[string]interface{}{
				"method":   req.Method,
				"uri":      req.URI,
				"host":     req.Host,
				"header":   req.Header,
				"raw_head": req.RawHead,
				"body":     req.Body,
			},
		}}, nil
	}

	resp, err := httpparse.ParseResponse(mv)
	if err != nil {
		return nil, nil
	}
	return []Event{{
		Protocol: ProtoHTTP,
		Fields: map[string]interface{}{
			"status_code": resp.StatusCode,
			"header":      resp.Header,
			"body":        resp.Body,
		},
	}}, nil
}
