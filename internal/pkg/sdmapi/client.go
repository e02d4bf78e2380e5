package sdmapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	sdmv1 "google.golang.org/api/smartdevicemanagement/v1"

	"github.com/jake-scott/nest-sdm/internal/pkg/logging"
	"github.com/jake-scott/nest-sdm/internal/pkg/sdmauth"
)

// DefaultBaseURL is the root of the Smart Device Management API
const DefaultBaseURL = "https://smartdevicemanagement.googleapis.com/v1/"

// Requester performs signed requests; *sdmauth.Session satisfies it
type Requester interface {
	Do(ctx context.Context, method, url string, body []byte, inspect sdmauth.Inspector) (*sdmauth.RawResponse, error)
}

// Client issues requests against one SDM project.  It is shared by every
// Device, Structure and Room it creates.
type Client struct {
	session   Requester
	projectID string
	baseURL   string
	timeout   time.Duration
	logger    *logrus.Entry
}

func NewClient(projectID string, session Requester) *Client {
	return &Client{
		session:   session,
		projectID: projectID,
		baseURL:   DefaultBaseURL,
		logger:    logging.Component("sdmapi"),
	}
}

func (c *Client) WithBaseURL(u string) *Client {
	if !strings.HasSuffix(u, "/") {
		u += "/"
	}
	c.baseURL = u
	return c
}

// WithTimeout bounds every API call; zero means no limit beyond the caller's
// context
func (c *Client) WithTimeout(d time.Duration) *Client {
	c.timeout = d
	return c
}

func (c *Client) WithLogger(l *logrus.Entry) *Client {
	c.logger = l
	return c
}

// Enterprise returns the resource name of the project
func (c *Client) Enterprise() string {
	return "enterprises/" + c.projectID
}

func (c *Client) MakeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout > 0 {
		return context.WithTimeout(ctx, c.timeout)
	}

	return ctx, func() {}
}

// Get fetches path, relative to the API root
func (c *Client) Get(ctx context.Context, path string) (Document, error) {
	return c.request(ctx, http.MethodGet, path, nil)
}

// Post sends body, encoded as JSON, to path
func (c *Client) Post(ctx context.Context, path string, body interface{}) (Document, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling request body")
	}

	return c.request(ctx, http.MethodPost, path, data)
}

func (c *Client) request(ctx context.Context, method, path string, body []byte) (Document, error) {
	ctx, cancel := c.MakeContext(ctx)
	defer cancel()

	var doc Document
	inspect := func(raw *sdmauth.RawResponse) error {
		var err error
		doc, err = decodeResponse(raw)
		return err
	}

	if _, err := c.session.Do(ctx, method, c.baseURL+path, body, inspect); err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}

	return doc, nil
}

// decodeResponse turns a response into a Document, classifying any error
// envelope.  An envelope with code 401 reports ErrTokenExpired so the session
// can refresh and retry.
func decodeResponse(raw *sdmauth.RawResponse) (Document, error) {
	ok := raw.StatusCode >= 200 && raw.StatusCode < 300

	if len(bytes.TrimSpace(raw.Body)) == 0 {
		if !ok {
			return nil, &ApiError{Code: raw.StatusCode, Message: http.StatusText(raw.StatusCode)}
		}
		return Document{}, nil
	}

	var doc Document
	if err := json.Unmarshal(raw.Body, &doc); err != nil {
		return nil, &MalformedResponseError{
			StatusCode: raw.StatusCode,
			Body:       truncate(string(raw.Body), 256),
			Err:        err,
		}
	}
	if doc == nil {
		doc = Document{}
	}

	if envelope, found := doc["error"]; found {
		apiErr := parseErrorEnvelope(envelope, raw.StatusCode)
		if apiErr.Code == http.StatusUnauthorized {
			return nil, sdmauth.ErrTokenExpired
		}
		return nil, apiErr
	}

	if !ok {
		return nil, &ApiError{Code: raw.StatusCode, Message: http.StatusText(raw.StatusCode)}
	}

	return doc, nil
}

func parseErrorEnvelope(v interface{}, statusCode int) *ApiError {
	e := &ApiError{Code: statusCode}

	switch t := v.(type) {
	case string:
		e.Message = t
	case map[string]interface{}:
		if code, ok := t["code"].(float64); ok {
			e.Code = int(code)
		}
		e.Status, _ = t["status"].(string)
		e.Message, _ = t["message"].(string)
	default:
		if data, err := json.Marshal(v); err == nil {
			e.Message = string(data)
		}
	}

	return e
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// ListDevices returns the raw device documents of the project
func (c *Client) ListDevices(ctx context.Context) ([]Document, error) {
	doc, err := c.Get(ctx, c.Enterprise()+"/devices")
	if err != nil {
		return nil, errors.Wrap(err, "listing devices")
	}

	return doc.List("devices"), nil
}

// ListStructures returns the raw structure documents of the project
func (c *Client) ListStructures(ctx context.Context) ([]Document, error) {
	doc, err := c.Get(ctx, c.Enterprise()+"/structures")
	if err != nil {
		return nil, errors.Wrap(err, "listing structures")
	}

	return doc.List("structures"), nil
}

// ListRooms returns the raw room documents of a structure
func (c *Client) ListRooms(ctx context.Context, structureName string) ([]Document, error) {
	doc, err := c.Get(ctx, structureName+"/rooms")
	if err != nil {
		return nil, errors.Wrap(err, "listing rooms")
	}

	return doc.List("rooms"), nil
}

func (c *Client) GetDevice(ctx context.Context, name string) (Document, error) {
	doc, err := c.Get(ctx, c.qualify(name, "devices"))
	if err != nil {
		return nil, errors.Wrap(err, "fetching device details")
	}

	return doc, nil
}

func (c *Client) GetStructure(ctx context.Context, name string) (Document, error) {
	doc, err := c.Get(ctx, c.qualify(name, "structures"))
	if err != nil {
		return nil, errors.Wrap(err, "fetching structure details")
	}

	return doc, nil
}

// ExecuteCommand runs a command against the named device
func (c *Client) ExecuteCommand(ctx context.Context, deviceName string, command Command) (Document, error) {
	cmdParams, err := json.Marshal(command)
	if err != nil {
		return nil, errors.Wrap(err, "marshaling command parameters")
	}

	cmdRequest := sdmv1.GoogleHomeEnterpriseSdmV1ExecuteDeviceCommandRequest{
		Command: command.commandName(),
		Params:  cmdParams,
	}

	c.logger.Debugf("sending command: %s, params %s", cmdRequest.Command, string(cmdRequest.Params))

	resp, err := c.Post(ctx, c.qualify(deviceName, "devices")+":executeCommand", &cmdRequest)
	if err != nil {
		return nil, errors.Wrapf(err, "executing command: %s, params %s", cmdRequest.Command, string(cmdRequest.Params))
	}

	return resp, nil
}

// qualify turns a short id into a full resource name
func (c *Client) qualify(name, collection string) string {
	if strings.HasPrefix(name, "enterprises/") {
		return name
	}
	return c.Enterprise() + "/" + collection + "/" + name
}

// ShortName strips the collection prefix from a resource name
func ShortName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		return name[i+1:]
	}
	return name
}
