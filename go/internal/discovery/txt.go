package discovery

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

const (
	txtRider   = "rider"
	txtProto   = "proto"
	txtSession = "session"
	txtHost    = "host"
)

// record is what a node advertises in its TXT attributes.
type record struct {
	rider   uuid.UUID
	proto   int
	session uuid.UUID
	host    bool
}

func (r record) text() []string {
	txt := []string{
		txtRider + "=" + r.rider.String(),
		txtProto + "=" + strconv.Itoa(r.proto),
	}
	if r.session != uuid.Nil {
		txt = append(txt, txtSession+"="+r.session.String())
		if r.host {
			txt = append(txt, txtHost+"=1")
		}
	}
	return txt
}

// parseText reads the attributes; ok is false when the rider id is missing or invalid.
func parseText(txt []string) (r record, ok bool) {
	for _, kv := range txt {
		k, v, found := strings.Cut(kv, "=")
		if !found {
			continue
		}
		switch k {
		case txtRider:
			id, err := uuid.Parse(v)
			if err != nil {
				return record{}, false
			}
			r.rider = id
		case txtProto:
			r.proto, _ = strconv.Atoi(v)
		case txtSession:
			if id, err := uuid.Parse(v); err == nil {
				r.session = id
			}
		case txtHost:
			r.host = v == "1"
		}
	}
	return r, r.rider != uuid.Nil
}
