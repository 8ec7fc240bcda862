package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/hydrosense/bottlelink/internal/ble"
	"github.com/hydrosense/bottlelink/internal/session"
)

var upgrader = websocket.Upgrader{
	// The dashboard is served off localhost; cross-origin pages on the same
	// machine are acceptable callers.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsMessage is one frame pushed to dashboard clients.
type wsMessage struct {
	Type string `json:"type"` // "reading" | "state" | "devices"

	// reading
	DistanceMM float64 `json:"distanceMM,omitempty"`
	LevelPct   float64 `json:"levelPct,omitempty"`
	VolumeML   float64 `json:"volumeML,omitempty"`
	Source     string  `json:"source,omitempty"`
	SourceID   string  `json:"sourceId,omitempty"`

	// state
	State     string `json:"state,omitempty"`
	FaultKind string `json:"faultKind,omitempty"`

	// devices
	Devices any `json:"devices,omitempty"`
}

// handleWebsocket streams live readings and state transitions to one client.
// Each client gets its own coordinator subscriptions, so a stalled socket
// only loses its own frames.
func (s *Server) handleWebsocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	frames := make(chan wsMessage, 32)
	offer := func(m wsMessage) {
		select {
		case frames <- m:
		default:
		}
	}

	subReadings := s.coord.SubscribeReadings(func(ev session.ReadingEvent) {
		offer(wsMessage{
			Type:       "reading",
			DistanceMM: ev.Reading.DistanceMM,
			LevelPct:   ev.Level.Pct,
			VolumeML:   ev.Level.VolumeML,
			Source:     ev.Level.Source.String(),
			SourceID:   ev.Reading.SourceID,
		})
	})
	defer subReadings.Unsubscribe()

	subState := s.coord.SubscribeConnection(func(st session.ConnectionState) {
		m := wsMessage{Type: "state", State: st.Kind.String()}
		if st.Kind == session.StateFaulted {
			m.FaultKind = st.FaultKind.String()
		}
		offer(m)
	})
	defer subState.Unsubscribe()

	subDevices := s.coord.SubscribeDevices(func(devices []ble.Peripheral) {
		offer(wsMessage{Type: "devices", Devices: devices})
	})
	defer subDevices.Unsubscribe()

	// Reader goroutine: detect the client going away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Initial state so the client doesn't wait for the next transition.
	offer(wsMessage{Type: "state", State: s.coord.State().Kind.String()})

	for {
		select {
		case m := <-frames:
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteJSON(m); err != nil {
				logrus.Debugf("server: websocket client gone: %v", err)
				return
			}
		case <-done:
			return
		}
	}
}
