// Package relay provides the fallback transport for peers that cannot reach
// each other directly: traffic is forwarded through a relay server over a
// websocket, framed exactly like the direct TCP path.
package relay

import "errors"

// ErrNoRelays is returned when selection runs against an empty candidate set.
var ErrNoRelays = errors.New("no relay servers available")

// ServerInfo describes one relay candidate as advertised by the directory.
type ServerInfo struct {
	Name           string  `json:"name"`
	Endpoint       string  `json:"endpoint"`
	PingMS         float64 `json:"ping_ms"`
	LoadPercentage float64 `json:"load_percentage"`
}

// Score weighs latency against server load. Lower is better; ten points of
// load cost the same as ten milliseconds of ping.
func (s ServerInfo) Score() float64 {
	return s.PingMS/10 + s.LoadPercentage/10
}

// SelectBest picks the candidate with the lowest score. Ties keep the earlier
// candidate so the advertised ordering acts as the tiebreak.
func SelectBest(candidates []ServerInfo) (ServerInfo, error) {
	if len(candidates) == 0 {
		return ServerInfo{}, ErrNoRelays
	}
	best := candidates[0]
	for _, candidate := range candidates[1:] {
		if candidate.Score() < best.Score() {
			best = candidate
		}
	}
	return best, nil
}
