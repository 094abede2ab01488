package proxy

import (
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/labrun/orchestrator/logger"
)

type bufferedFrame struct {
	messageType int
	data        []byte
}

// forwardWebsocket upgrades the client immediately, then asynchronously
// dials the upstream; client frames sent before the upstream connects are
// buffered and flushed in order once it is ready.
func (r *Router) forwardWebsocket(w http.ResponseWriter, req *http.Request, rt route) {
	clientConn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer clientConn.Close()

	scheme := "ws"
	upstreamURL := fmt.Sprintf("%s://%s:%d%s", scheme, rt.upstreamHost, rt.upstreamPort, req.URL.RequestURI())

	var (
		mu      sync.Mutex
		buffer  []bufferedFrame
		ready   bool
		upConn  *websocket.Conn
		dialErr error
	)

	dialDone := make(chan struct{})
	go func() {
		defer close(dialDone)
		conn, _, err := websocket.DefaultDialer.Dial(upstreamURL, nil)
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			dialErr = err
			return
		}
		upConn = conn
		ready = true
		for _, f := range buffer {
			if werr := upConn.WriteMessage(f.messageType, f.data); werr != nil {
				logger.Warn("flush buffered websocket frame failed", zap.Error(werr))
				break
			}
		}
		buffer = nil
	}()

	upstreamToClient := make(chan struct{})
	go func() {
		defer close(upstreamToClient)
		<-dialDone
		mu.Lock()
		conn := upConn
		mu.Unlock()
		if conn == nil {
			return
		}
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := clientConn.WriteMessage(mt, data); err != nil {
				return
			}
		}
	}()

	for {
		mt, data, err := clientConn.ReadMessage()
		if err != nil {
			break
		}
		mu.Lock()
		if ready {
			conn := upConn
			mu.Unlock()
			if werr := conn.WriteMessage(mt, data); werr != nil {
				break
			}
		} else {
			buffer = append(buffer, bufferedFrame{messageType: mt, data: data})
			mu.Unlock()
		}
	}

	mu.Lock()
	conn := upConn
	mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	<-upstreamToClient

	mu.Lock()
	derr := dialErr
	mu.Unlock()
	if derr != nil {
		logger.Warn("websocket upstream dial failed", zap.String("upstream", upstreamURL), zap.Error(derr))
	}
}
