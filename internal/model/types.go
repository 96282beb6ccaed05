package model

import (
	"net"
	"strconv"
	"time"
)

type Liveness string

const (
	LivenessOnline  Liveness = "online"
	LivenessOffline Liveness = "offline"
)

type DoorStatus string

const (
	DoorStatusActive   DoorStatus = "active"
	DoorStatusInactive DoorStatus = "inactive"
	DoorStatusDeleted  DoorStatus = "deleted"
)

type Direction string

const (
	DirectionEnter Direction = "enter"
	DirectionExit  Direction = "exit"
)

type Modality string

const (
	ModalityFace Modality = "face"
	ModalityCard Modality = "card"
)

// Door is a physical access-control endpoint. Liveness is written only
// by the prober; Status only by administrative callers.
type Door struct {
	ID        string     `json:"id"`
	Name      string     `json:"name,omitempty"`
	Host      string     `json:"host"`
	Port      int        `json:"port"`
	Username  string     `json:"username,omitempty"`
	Password  string     `json:"-"`
	Direction Direction  `json:"direction"`
	Status    DoorStatus `json:"status"`
	IsOpen    bool       `json:"is_open"`
	Liveness  Liveness   `json:"liveness"`
	UpdatedAt time.Time  `json:"updated_at,omitempty"`
}

func (d Door) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// LivenessEntry is one append-only probe observation. LatencyMS is nil
// when the door was offline.
type LivenessEntry struct {
	DoorID    string    `json:"door_id"`
	Liveness  Liveness  `json:"status"`
	LatencyMS *float64  `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// RawAccessEvent is a hardware-reported swipe keyed by the device-local
// employee number. It exists only inside an ingestion batch.
type RawAccessEvent struct {
	Type       Modality `json:"type"`
	Time       string   `json:"time"`
	EmployeeNo string   `json:"employeeNoString"`
	SerialNo   int64    `json:"serialNo"`
	PictureURL string   `json:"pictureURL,omitempty"`
}

// Batch groups raw events by originating door id. This is the wire
// shape the hardware gateway submits.
type Batch map[string][]RawAccessEvent

func (b Batch) Len() int {
	n := 0
	for _, list := range b {
		n += len(list)
	}
	return n
}

// Event is the durable, identity-resolved attendance record. UserID is
// never empty: unresolved raw events are dropped before this point.
type Event struct {
	ID         string    `json:"id"`
	Modality   Modality  `json:"type"`
	Timestamp  time.Time `json:"timestamp"`
	UserID     string    `json:"user_id"`
	DoorID     string    `json:"door_id"`
	EmployeeNo string    `json:"employee_no"`
	SerialNo   int64     `json:"serial_no"`
	PictureURL string    `json:"picture_url,omitempty"`
}

// User is owned by the external identity collaborator and only read here.
type User struct {
	ID         string `json:"id"`
	Name       string `json:"name,omitempty"`
	EmployeeNo string `json:"employee_no"`
}
