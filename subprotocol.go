package wsgate

import "strings"

// subprotocols holds a set of subprotocols supported by the wrapped
// application. The set is generated once, on first use.
type subprotocols struct {
	source    func() []string
	generated bool
	supported map[string]struct{}
}

func (sp *subprotocols) isSupported(name string) bool {
	if !sp.generated {
		if sp.source != nil {
			names := sp.source()
			sp.supported = make(map[string]struct{}, len(names))
			for _, n := range names {
				sp.supported[n] = struct{}{}
			}
		}
		sp.generated = true
	}
	_, ok := sp.supported[name]
	return ok
}

// negotiate returns Sec-WebSocket-Protocol header value for the list of
// protocols requested by the client. Every supported protocol is included,
// in the order the client requested them, joined by comma. Empty string
// means that nothing was agreed.
func (sp *subprotocols) negotiate(requested []string) string {
	if len(requested) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, name := range requested {
		if sp.isSupported(name) {
			sb.WriteString(name)
			sb.WriteByte(',')
		}
	}
	return strings.TrimSuffix(sb.String(), ",")
}
