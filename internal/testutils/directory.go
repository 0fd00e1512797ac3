package testutils

import (
	"encoding/json"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// Message 一則送達某連線的訊息
type Message struct {
	To      string
	Event   string
	Payload json.RawMessage
}

// Decode 把 payload 解析到 v
func (m Message) Decode(t testing.TB, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(m.Payload, v), "payload: %s", m.Payload)
}

// RecordingDirectory 記錄所有送出訊息的連線目錄
//
// 廣播會展開成每位訂閱者各一則，測試可以直接檢查每條連線收到什麼。
type RecordingDirectory struct {
	mu       sync.Mutex
	conns    map[string]map[string]struct{}
	channels map[string]map[string]struct{}
	inbox    map[string][]Message
}

// NewRecordingDirectory 建立空的目錄
func NewRecordingDirectory() *RecordingDirectory {
	return &RecordingDirectory{
		conns:    make(map[string]map[string]struct{}),
		channels: make(map[string]map[string]struct{}),
		inbox:    make(map[string][]Message),
	}
}

// Connect 註冊一條連線
func (d *RecordingDirectory) Connect(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.conns[connID]; !ok {
		d.conns[connID] = make(map[string]struct{})
	}
}

// Disconnect 移除連線與其所有訂閱
func (d *RecordingDirectory) Disconnect(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for room := range d.conns[connID] {
		d.leaveLocked(connID, room)
	}
	delete(d.conns, connID)
}

func (d *RecordingDirectory) Exists(connID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.conns[connID]
	return ok
}

func (d *RecordingDirectory) CurrentRoom(connID string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rooms := keys(d.conns[connID])
	if len(rooms) == 0 {
		return "", false
	}
	return rooms[0], true
}

func (d *RecordingDirectory) Join(connID, roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rooms, ok := d.conns[connID]
	if !ok {
		return
	}
	rooms[roomID] = struct{}{}
	if d.channels[roomID] == nil {
		d.channels[roomID] = make(map[string]struct{})
	}
	d.channels[roomID][connID] = struct{}{}
}

func (d *RecordingDirectory) Leave(connID, roomID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.leaveLocked(connID, roomID)
}

func (d *RecordingDirectory) leaveLocked(connID, roomID string) {
	delete(d.conns[connID], roomID)
	members := d.channels[roomID]
	delete(members, connID)
	if len(members) == 0 {
		delete(d.channels, roomID)
	}
}

func (d *RecordingDirectory) Members(roomID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return keys(d.channels[roomID])
}

func (d *RecordingDirectory) SendTo(connID, event string, payload any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.conns[connID]; !ok {
		return
	}
	d.deliverLocked(connID, event, payload)
}

func (d *RecordingDirectory) BroadcastTo(roomID, event string, payload any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, connID := range keys(d.channels[roomID]) {
		d.deliverLocked(connID, event, payload)
	}
}

func (d *RecordingDirectory) deliverLocked(connID, event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(err)
	}
	d.inbox[connID] = append(d.inbox[connID], Message{To: connID, Event: event, Payload: raw})
}

// Rooms 連線訂閱中的所有房間（排序）
func (d *RecordingDirectory) Rooms(connID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return keys(d.conns[connID])
}

// Inbox 回傳並清空某連線收到的訊息
func (d *RecordingDirectory) Inbox(connID string) []Message {
	d.mu.Lock()
	defer d.mu.Unlock()
	msgs := d.inbox[connID]
	delete(d.inbox, connID)
	return msgs
}

// Events 某連線收到的事件名稱（不清空）
func (d *RecordingDirectory) Events(connID string) []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	events := make([]string, 0, len(d.inbox[connID]))
	for _, m := range d.inbox[connID] {
		events = append(events, m.Event)
	}
	return events
}

// Reset 清空所有連線收到的訊息
func (d *RecordingDirectory) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inbox = make(map[string][]Message)
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
