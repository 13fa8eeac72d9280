package reporter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/codeponics/codeponics-pi/controller/settings"
)

// Backend endpoints, relative to server.url
const (
	sensorReportPath = "/api/sensors/report"
	actuatorLogPath  = "/api/actuators/log"
	photoPath        = "/api/ai/pi-photo"
)

// HTTPTransmitter posts reports to the backend. Every call is bounded by its
// client timeout. Realtime reports and photos go through a circuit breaker;
// db-log reports and actuator logs are always attempted.
type HTTPTransmitter struct {
	base        string
	serial      string
	client      *http.Client
	photoClient *http.Client
	breaker     *Breaker
}

func NewHTTPTransmitter(s *settings.Settings) *HTTPTransmitter {
	return &HTTPTransmitter{
		base:        strings.TrimRight(s.Server.URL, "/"),
		serial:      s.Device.SerialNumber,
		client:      &http.Client{Timeout: seconds(s.Server.Timeout)},
		photoClient: &http.Client{Timeout: seconds(s.Server.PhotoTimeout)},
		breaker:     NewBreaker("backend", s.Breaker.MaxFailures, s.Breaker.ResetTimeout()),
	}
}

func (t *HTTPTransmitter) Serial() string { return t.serial }

// SendSensorReport posts a realtime or db-log report.
func (t *HTTPTransmitter) SendSensorReport(ctx context.Context, r SensorReport) error {
	return t.postJSON(ctx, sensorReportPath, r, r.Type == Realtime)
}

// SendActuatorLog posts one actuator action. It bypasses the breaker so a dose
// is reported as soon as the backend answers again.
func (t *HTTPTransmitter) SendActuatorLog(ctx context.Context, l ActuatorLog) error {
	return t.postJSON(ctx, actuatorLogPath, l, false)
}

// SendPhoto uploads a JPEG frame as multipart form data.
func (t *HTTPTransmitter) SendPhoto(ctx context.Context, typ PhotoType, jpeg []byte) error {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("serial_number", t.serial); err != nil {
		return err
	}
	if err := mw.WriteField("type", string(typ)); err != nil {
		return err
	}
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="image"; filename="capture.jpg"`)
	h.Set("Content-Type", "image/jpeg")
	part, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := part.Write(jpeg); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}
	ct := mw.FormDataContentType()
	return t.breaker.Execute(ctx, func(ctx context.Context) error {
		return t.post(ctx, t.photoClient, photoPath, ct, body.Bytes())
	})
}

func (t *HTTPTransmitter) postJSON(ctx context.Context, path string, v interface{}, guarded bool) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if !guarded {
		return t.post(ctx, t.client, path, "application/json", data)
	}
	return t.breaker.Execute(ctx, func(ctx context.Context) error {
		return t.post(ctx, t.client, path, "application/json", data)
	})
}

func (t *HTTPTransmitter) post(ctx context.Context, client *http.Client, path, contentType string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Request-ID", uuid.NewString())
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.CopyN(io.Discard, resp.Body, 4096)
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("POST %s: unexpected status %d", path, resp.StatusCode)
	}
	return nil
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
