package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"

	"bitbucket.org/vgaidys/mediascribe/internal/pkg/cmdapp"
	"bitbucket.org/vgaidys/mediascribe/internal/pkg/messages"
	"github.com/gorilla/websocket"
)

var idConnectionMap = make(map[string]map[WsConn]bool)
var connectionIDMap = make(map[WsConn]string)
var mapLock = sync.Mutex{}

// WsConn is the part of a websocket connection the push path uses
type WsConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	}}

type websocketHandler struct {
	data *ServiceData
}

// the client sends a job id as the first text message and receives a
// snapshot JSON every time the job's progress changes
func (h websocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	cmdapp.Log.Infof("ws request from %s", r.Host)

	c, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		setError(w, "Can not init ws connection", http.StatusBadRequest)
		cmdapp.Log.Error(err)
		return
	}
	go handleConnection(c)
}

func handleConnection(conn WsConn) {
	defer deleteConnection(conn)
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			break
		}
		saveConnection(conn, string(message))
	}
	cmdapp.Log.Debugf("ws connection finished")
}

func saveConnection(conn WsConn, jobID string) {
	mapLock.Lock()
	defer mapLock.Unlock()
	if old, found := connectionIDMap[conn]; found {
		delete(idConnectionMap[old], conn)
	}
	conns, found := idConnectionMap[jobID]
	if !found {
		conns = make(map[WsConn]bool)
		idConnectionMap[jobID] = conns
	}
	conns[conn] = true
	connectionIDMap[conn] = jobID
	cmdapp.Log.Debugf("ws subscribed to job %s", jobID)
}

func deleteConnection(conn WsConn) {
	mapLock.Lock()
	defer mapLock.Unlock()
	if jobID, found := connectionIDMap[conn]; found {
		delete(idConnectionMap[jobID], conn)
		delete(connectionIDMap, conn)
	}
	conn.Close()
}

func connectionsFor(jobID string) []WsConn {
	mapLock.Lock()
	defer mapLock.Unlock()
	res := make([]WsConn, 0)
	for c := range idConnectionMap[jobID] {
		res = append(res, c)
	}
	return res
}

// listenJobEvents consumes job ids from the broker and pushes the
// current snapshot to every subscribed ws client
func listenJobEvents(data *ServiceData) {
	for d := range data.EventCh {
		var msg messages.QueueMessage
		if err := json.Unmarshal(d.Body, &msg); err != nil {
			cmdapp.Log.Error("Can't unmarshal event msg: ", err)
			d.Nack(false, false)
			continue
		}
		d.Ack(false)
		pushSnapshot(data, msg)
	}
	cmdapp.Log.Infof("Stopped listening job events")
}

func jobIDString(id int64) string {
	return strconv.FormatInt(id, 10)
}

func pushSnapshot(data *ServiceData, msg messages.QueueMessage) {
	jobID := jobIDString(msg.JobID)
	conns := connectionsFor(jobID)
	if len(conns) == 0 {
		return
	}
	snapshot, err := data.Bus.GetSnapshot(jobID)
	if err != nil {
		cmdapp.Log.Error("Can't get snapshot: ", err)
		return
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		cmdapp.Log.Error("Can't marshal snapshot: ", err)
		return
	}
	for _, c := range conns {
		if err := c.WriteMessage(websocket.TextMessage, payload); err != nil {
			cmdapp.Log.Warn("Can't push to ws client: ", err)
			deleteConnection(c)
		}
	}
}
