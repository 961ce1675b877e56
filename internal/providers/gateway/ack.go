package gateway

import (
	"encoding/xml"

	"github.com/google/uuid"
)

// Acknowledgement statuses understood by the gateway.
const (
	AckOK    = "ok"
	AckError = "error"
)

// Ack is the signed XML reply the gateway expects for every callback.
type Ack struct {
	XMLName     xml.Name `xml:"response"`
	Status      string   `xml:"pg_status"`
	Description string   `xml:"pg_description"`
	Salt        string   `xml:"pg_salt"`
	Signature   string   `xml:"pg_sig"`
}

// NewAck signs an acknowledgement with the callback script name.
func NewAck(secret, status, description string) Ack {
	ack := Ack{Status: status, Description: description, Salt: uuid.NewString()}
	ack.Signature = Sign(ack.Fields(), secret, ScriptResult)
	return ack
}

// Fields returns the signed field set of the acknowledgement.
func (a Ack) Fields() map[string]string {
	return map[string]string{
		"pg_status":      a.Status,
		"pg_description": a.Description,
		"pg_salt":        a.Salt,
	}
}

// Marshal renders the acknowledgement with an XML declaration.
func (a Ack) Marshal() ([]byte, error) {
	body, err := xml.Marshal(a)
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}
