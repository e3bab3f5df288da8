package factory

import (
	"net/url"
	"strings"

	"github.com/appdraft/appdraft/internal/history"
	"github.com/appdraft/appdraft/internal/history/clickhouse"
	"github.com/appdraft/appdraft/internal/history/opensearch"
)

// Options selects which history backends to wire. Empty URLs disable the
// corresponding sink.
type Options struct {
	ClickHouseURL   string // "clickhouse://host:port" or bare "host:port"
	ClickHouseTable string
	OpenSearchURL   string // "http://host:port" (or "opensearch://host:port")
	OpenSearchIndex string
}

// FromOptions builds a fanout over every configured backend. With nothing
// configured it returns (nil, nil) and the caller skips history entirely.
func FromOptions(o Options) (*history.Fanout, error) {
	var sinks []history.Sink

	if strings.TrimSpace(o.ClickHouseURL) != "" {
		addr, err := clickhouseAddr(o.ClickHouseURL)
		if err != nil {
			return nil, err
		}
		table := o.ClickHouseTable
		if table == "" {
			table = "appdraft_events"
		}
		ch, err := clickhouse.New(addr, table)
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, ch)
	}

	if strings.TrimSpace(o.OpenSearchURL) != "" {
		index := o.OpenSearchIndex
		if index == "" {
			index = "appdraft-events"
		}
		sinks = append(sinks, opensearch.New(opensearchBase(o.OpenSearchURL), index))
	}

	if len(sinks) == 0 {
		return nil, nil
	}
	return history.NewFanout(sinks...), nil
}

// clickhouseAddr extracts host:port from a clickhouse:// URL; bare host:port
// passes through.
func clickhouseAddr(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if !strings.Contains(s, "://") {
		return s, nil
	}
	u, err := url.Parse(s)
	if err != nil {
		return "", err
	}
	if u.Host == "" {
		return "localhost:9000", nil
	}
	return u.Host, nil
}

// opensearchBase normalizes opensearch:// and elasticsearch:// schemes to
// plain http.
func opensearchBase(raw string) string {
	s := strings.TrimSpace(raw)
	for _, scheme := range []string{"opensearch://", "elasticsearch://"} {
		if strings.HasPrefix(strings.ToLower(s), scheme) {
			return "http://" + s[len(scheme):]
		}
	}
	return s
}
