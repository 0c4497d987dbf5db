package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"kingdomcleanup/netcode/internal/logging"
)

// DefaultDiscoveryPort is the UDP port LAN discovery runs on.
const DefaultDiscoveryPort = 12347

const (
	queryType    = "lobby_query"
	responseType = "lobby_response"
)

// wireQuery is the discovery datagram. A populated LobbyCode asks for that
// one lobby; an empty one is a blanket scan. Requester lets a host ignore its
// own broadcasts on multihomed machines.
type wireQuery struct {
	Type      string `json:"type"`
	LobbyCode string `json:"lobby_code,omitempty"`
	Requester string `json:"requester,omitempty"`
}

type wireResponse struct {
	Type      string `json:"type"`
	LobbyCode string `json:"lobby_code"`
	LobbyInfo Lobby  `json:"lobby_info"`
}

// Responder answers LAN discovery queries for a hosted lobby. It listens on
// the discovery port and replies to each query with the current lobby
// snapshot from the provided callback, so player counts stay fresh without
// the responder knowing about session internals.
type Responder struct {
	conn    *net.UDPConn
	lobby   func() (Lobby, bool)
	log     *logging.Logger
	closing sync.Once
	done    chan struct{}
}

// NewResponder binds the discovery port and starts answering. The lobby
// callback returning false pauses responses, used while a session is mid-game
// and not joinable. Port zero binds an ephemeral port, which only makes sense
// in tests.
func NewResponder(port int, lobby func() (Lobby, bool), log *logging.Logger) (*Responder, error) {
	if log == nil {
		log = logging.L()
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind discovery port %d: %w", port, err)
	}
	r := &Responder{
		conn:  conn,
		lobby: lobby,
		log:   log,
		done:  make(chan struct{}),
	}
	go r.serve()
	return r, nil
}

func (r *Responder) serve() {
	buf := make([]byte, 2048)
	for {
		n, remote, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-r.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			r.log.Debug("discovery read failed", logging.Error(err))
			continue
		}
		var query wireQuery
		if err := json.Unmarshal(buf[:n], &query); err != nil || query.Type != queryType {
			//1.- Broadcast ports see all sorts of junk; ignore quietly.
			continue
		}
		lobby, joinable := r.lobby()
		if !joinable {
			continue
		}
		if query.Requester != "" && query.Requester == lobby.HostPeerID {
			//2.- Never answer our own broadcast.
			continue
		}
		if query.LobbyCode != "" {
			if !strings.EqualFold(strings.TrimSpace(query.LobbyCode), lobby.Code) {
				//3.- Code-targeted queries are answered only by the exact holder.
				continue
			}
		} else if lobby.IsPrivate {
			//4.- Private lobbies never show up in blanket scans.
			continue
		}
		reply, err := json.Marshal(wireResponse{Type: responseType, LobbyCode: lobby.Code, LobbyInfo: lobby})
		if err != nil {
			continue
		}
		if _, err := r.conn.WriteToUDP(reply, remote); err != nil {
			r.log.Debug("discovery reply failed",
				logging.String("remote", remote.String()),
				logging.Error(err))
		}
	}
}

// Addr reports the bound UDP address, useful when the port was ephemeral.
func (r *Responder) Addr() *net.UDPAddr {
	addr, _ := r.conn.LocalAddr().(*net.UDPAddr)
	return addr
}

// Close stops the responder.
func (r *Responder) Close() {
	r.closing.Do(func() {
		close(r.done)
		_ = r.conn.Close()
	})
}

// Discover broadcasts a blanket query on the LAN and collects every lobby
// that answers within the wait window. Duplicate answers from multihomed
// hosts are collapsed by lobby code.
func Discover(port int, wait time.Duration, requester string, log *logging.Logger) ([]Lobby, error) {
	responses, err := queryLAN(port, wait, wireQuery{Type: queryType, Requester: requester}, log, nil)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]Lobby)
	for _, lobby := range responses {
		seen[lobby.Code] = lobby
	}
	out := make([]Lobby, 0, len(seen))
	for _, lobby := range seen {
		out = append(out, lobby)
	}
	return out, nil
}

// Query asks the LAN for the one lobby holding a code, waiting out the full
// window if nobody answers. The optional targets override the broadcast
// addresses, used by tests to reach a responder by unicast.
func Query(port int, code, requester string, wait time.Duration, log *logging.Logger, targets ...*net.UDPAddr) (Lobby, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return Lobby{}, ErrLobbyNotFound
	}
	responses, err := queryLAN(port, wait, wireQuery{Type: queryType, LobbyCode: code, Requester: requester}, log, targets)
	if err != nil {
		return Lobby{}, err
	}
	for _, lobby := range responses {
		if strings.EqualFold(lobby.Code, code) {
			return lobby, nil
		}
	}
	return Lobby{}, ErrLobbyNotFound
}

// queryLAN sends one discovery datagram and gathers every well-formed answer
// until the deadline. A code-targeted query stops at the first match.
func queryLAN(port int, wait time.Duration, query wireQuery, log *logging.Logger, targets []*net.UDPAddr) ([]Lobby, error) {
	if port <= 0 {
		port = DefaultDiscoveryPort
	}
	if wait <= 0 {
		wait = 2 * time.Second
	}
	if log == nil {
		log = logging.L()
	}
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		return nil, fmt.Errorf("open discovery socket: %w", err)
	}
	defer conn.Close()

	payload, err := json.Marshal(query)
	if err != nil {
		return nil, err
	}
	if len(targets) == 0 {
		targets = broadcastTargets(port)
	}
	for _, target := range targets {
		if _, err := conn.WriteToUDP(payload, target); err != nil {
			log.Debug("discovery broadcast failed",
				logging.String("target", target.String()),
				logging.Error(err))
		}
	}

	if err := conn.SetReadDeadline(time.Now().Add(wait)); err != nil {
		return nil, err
	}
	var out []Lobby
	buf := make([]byte, 2048)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				break
			}
			return nil, fmt.Errorf("discovery read: %w", err)
		}
		var resp wireResponse
		if err := json.Unmarshal(buf[:n], &resp); err != nil || resp.Type != responseType {
			continue
		}
		lobby := resp.LobbyInfo
		if lobby.Code == "" {
			lobby.Code = resp.LobbyCode
		}
		if lobby.Code == "" {
			continue
		}
		lobby.HostAddr = reachableAddr(lobby.HostAddr, remote)
		out = append(out, lobby)
		if query.LobbyCode != "" && strings.EqualFold(lobby.Code, query.LobbyCode) {
			break
		}
	}
	return out, nil
}

// reachableAddr rewrites an advertised address so the answering host can
// actually be dialed: hosts that listen on the wildcard advertise an
// unspecified IP, which only the responding socket knows how to reach.
func reachableAddr(advertised string, remote *net.UDPAddr) string {
	if advertised == "" {
		return remote.IP.String()
	}
	host, port, err := net.SplitHostPort(advertised)
	if err != nil {
		return advertised
	}
	if ip := net.ParseIP(host); ip == nil || ip.IsUnspecified() {
		return net.JoinHostPort(remote.IP.String(), port)
	}
	return advertised
}

// broadcastTargets returns the limited broadcast address plus per-interface
// directed broadcasts, which some home routers require.
func broadcastTargets(port int) []*net.UDPAddr {
	targets := []*net.UDPAddr{{IP: net.IPv4bcast, Port: port}}
	ifaces, err := net.Interfaces()
	if err != nil {
		return targets
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagBroadcast == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.To4() == nil {
				continue
			}
			ip := ipNet.IP.To4()
			mask := ipNet.Mask
			if len(mask) != 4 {
				continue
			}
			bcast := make(net.IP, 4)
			for i := 0; i < 4; i++ {
				bcast[i] = ip[i] | ^mask[i]
			}
			targets = append(targets, &net.UDPAddr{IP: bcast, Port: port})
		}
	}
	return targets
}
