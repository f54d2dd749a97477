package attendance

import (
	"strings"

	"rollcall/internal/geo"
)

// Request is one check-in attempt: QRCheckIn, GPSCheckIn or ManualCheckIn.
type Request interface {
	Session() string
	Method() Method
	isRequest()
}

// QRCheckIn carries a payload scanned from the session display.
type QRCheckIn struct {
	SessionID string
	Payload   string
}

// GPSCheckIn carries a single device location reading.
type GPSCheckIn struct {
	SessionID string
	Latitude  float64
	Longitude float64
}

// ManualCheckIn is an instructor marking a participant present.
type ManualCheckIn struct {
	SessionID    string
	TargetUserID string
}

func (r QRCheckIn) Session() string     { return r.SessionID }
func (r GPSCheckIn) Session() string    { return r.SessionID }
func (r ManualCheckIn) Session() string { return r.SessionID }

func (QRCheckIn) Method() Method     { return MethodQR }
func (GPSCheckIn) Method() Method    { return MethodGPS }
func (ManualCheckIn) Method() Method { return MethodManual }

func (QRCheckIn) isRequest()     {}
func (GPSCheckIn) isRequest()    {}
func (ManualCheckIn) isRequest() {}

// RawRequest is the wire shape of a check-in body.
type RawRequest struct {
	Method    string   `json:"method"`
	Payload   *string  `json:"payload,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
}

// ParseRequest turns a wire body into exactly one request variant. Bodies that
// mix or miss the fields of their method are rejected before any lookup.
func ParseRequest(sessionID string, raw RawRequest) (Request, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, invalid(ReasonMalformed, "session id required")
	}
	switch strings.ToLower(strings.TrimSpace(raw.Method)) {
	case "qr", "qr_code":
		if raw.Payload == nil || *raw.Payload == "" || raw.Latitude != nil || raw.Longitude != nil {
			return nil, invalid(ReasonMalformed, "qr check-in needs a payload and no coordinates")
		}
		return QRCheckIn{SessionID: sessionID, Payload: *raw.Payload}, nil
	case "gps":
		if raw.Latitude == nil || raw.Longitude == nil || raw.Payload != nil {
			return nil, invalid(ReasonMalformed, "gps check-in needs latitude and longitude and no payload")
		}
		if !geo.ValidCoordinate(*raw.Latitude, *raw.Longitude) {
			return nil, invalid(ReasonMalformed, "coordinates out of range")
		}
		return GPSCheckIn{SessionID: sessionID, Latitude: *raw.Latitude, Longitude: *raw.Longitude}, nil
	case "manual":
		if strings.TrimSpace(raw.UserID) == "" || raw.Payload != nil || raw.Latitude != nil || raw.Longitude != nil {
			return nil, invalid(ReasonMalformed, "manual check-in needs only user_id")
		}
		return ManualCheckIn{SessionID: sessionID, TargetUserID: strings.TrimSpace(raw.UserID)}, nil
	default:
		return nil, invalid(ReasonMalformed, "unknown check-in method %q", raw.Method)
	}
}
