package catmaid

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"

	"github.com/clbarnes/CATMAID/internal/synapse"
)

const detectionBody = `[
	{"synapse_id":1,"x_px":10,"y_px":20,"z_px":5,"size_px":4,"detection_uncertainty":0.7,"node_id":100,"skeleton_id":7}
]`

func newTestClient(t *testing.T, handler http.Handler, token string) *Client {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(Config{
		BaseURL:   server.URL + "/",
		ProjectID: 3,
		APIToken:  token,
		Timeout:   5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Error("expected error without base URL")
	}
}

func TestDetectionRowsRequest(t *testing.T) {
	var gotQuery, gotToken, gotEncoding string
	r := chi.NewRouter()
	r.Get("/3/skeleton/auto-synapses/", func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		gotToken = r.Header.Get("X-Authorization")
		gotEncoding = r.Header.Get("Accept-Encoding")
		w.Write([]byte(detectionBody))
	})
	client := newTestClient(t, r, "secret")

	rows, err := client.DetectionRows(context.Background(), 7)
	if err != nil {
		t.Fatalf("DetectionRows: %v", err)
	}
	if len(rows) != 1 || rows[0].SkeletonID != 7 {
		t.Errorf("unexpected rows: %+v", rows)
	}
	if gotQuery != "basename=synapselabels.hdf5&skid=7" {
		t.Errorf("unexpected query: %s", gotQuery)
	}
	if gotToken != "Token secret" {
		t.Errorf("unexpected token header: %q", gotToken)
	}
	if gotEncoding != "zstd, gzip" {
		t.Errorf("unexpected Accept-Encoding: %q", gotEncoding)
	}
}

func TestNoTokenHeaderWithoutToken(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/3/skeleton/auto-synapses/", func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header["X-Authorization"]; ok {
			t.Error("unexpected X-Authorization header")
		}
		w.Write([]byte(`[]`))
	})
	client := newTestClient(t, r, "")

	if _, err := client.DetectionRows(context.Background(), 7); err != nil {
		t.Fatalf("DetectionRows: %v", err)
	}
}

func TestIntersectingRequest(t *testing.T) {
	var query map[string]string
	r := chi.NewRouter()
	r.Get("/3/connectors/intersecting/", func(w http.ResponseWriter, r *http.Request) {
		query = map[string]string{}
		for k := range r.URL.Query() {
			query[k] = r.URL.Query().Get(k)
		}
		w.Write([]byte(`[[56,1,2,3,0.5,null,3,301]]`))
	})
	client := newTestClient(t, r, "")

	box := synapse.BoundingBox{XMin: 1, YMin: 2, ZMin: 3.5, XMax: 4, YMax: 5, ZMax: 6}
	conns, err := client.Intersecting(context.Background(), box)
	if err != nil {
		t.Fatalf("Intersecting: %v", err)
	}
	if len(conns) != 1 || conns[0].ConnID != 56 || conns[0].UserID != 3 || conns[0].TreenodeID != 301 {
		t.Errorf("unexpected connectors: %+v", conns)
	}
	want := map[string]string{"xmin": "1", "ymin": "2", "zmin": "3.5", "xmax": "4", "ymax": "5", "zmax": "6"}
	for k, v := range want {
		if query[k] != v {
			t.Errorf("query %s: got %q, want %q", k, query[k], v)
		}
	}
}

func TestIntersectingManyFormBody(t *testing.T) {
	var form map[string][]string
	var contentType string
	r := chi.NewRouter()
	r.Post("/3/connectors/intersecting/many/", func(w http.ResponseWriter, r *http.Request) {
		contentType = r.Header.Get("Content-Type")
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm: %v", err)
		}
		form = r.PostForm
		w.Write([]byte(`{"1": [[55,0,0,0,0.9,null,100]]}`))
	})
	client := newTestClient(t, r, "")

	boxes := map[int64]synapse.BoundingBox{
		1: {XMin: 1, YMin: 1, ZMin: 1, XMax: 2, YMax: 2, ZMax: 2},
		2: {XMin: 10, YMin: 10, ZMin: 10, XMax: 20, YMax: 20, ZMax: 20},
	}
	got, err := client.IntersectingMany(context.Background(), boxes)
	if err != nil {
		t.Fatalf("IntersectingMany: %v", err)
	}

	if contentType != "application/x-www-form-urlencoded" {
		t.Errorf("unexpected content type: %s", contentType)
	}
	if len(form) != 2 {
		t.Fatalf("expected one field per synapse, got %v", form)
	}
	var sent synapse.BoundingBox
	if err := json.Unmarshal([]byte(form["2"][0]), &sent); err != nil {
		t.Fatalf("field is not a JSON box: %v", err)
	}
	if sent != boxes[2] {
		t.Errorf("sent %+v, want %+v", sent, boxes[2])
	}

	if len(got[1]) != 1 || got[1][0].TreenodeID != 100 || got[1][0].UserID != 0 {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestCompressedResponses(t *testing.T) {
	var gz bytes.Buffer
	zw := gzip.NewWriter(&gz)
	zw.Write([]byte(detectionBody))
	zw.Close()

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		t.Fatalf("zstd writer: %v", err)
	}
	zst := enc.EncodeAll([]byte(detectionBody), nil)
	enc.Close()

	for _, tt := range []struct {
		encoding string
		body     []byte
	}{
		{"gzip", gz.Bytes()},
		{"zstd", zst},
	} {
		t.Run(tt.encoding, func(t *testing.T) {
			r := chi.NewRouter()
			r.Get("/3/skeleton/auto-synapses/", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Encoding", tt.encoding)
				w.Write(tt.body)
			})
			client := newTestClient(t, r, "")

			rows, err := client.DetectionRows(context.Background(), 7)
			if err != nil {
				t.Fatalf("DetectionRows: %v", err)
			}
			if len(rows) != 1 || rows[0].SynapseID != 1 {
				t.Errorf("unexpected rows: %+v", rows)
			}
		})
	}
}

func TestAPIErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantMsg string
		wantTyp string
	}{
		{"ErrorObjectOK", http.StatusOK, `{"error":"no such skeleton","type":"ValueError"}`, "no such skeleton", "ValueError"},
		{"ErrorObjectWithDetail", http.StatusBadRequest, `{"error":"bad","detail":"skid missing"}`, "bad: skid missing", ""},
		{"PlainStatus", http.StatusServiceUnavailable, "maintenance\n", "maintenance", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := chi.NewRouter()
			r.Get("/3/skeleton/auto-synapses/", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})
			client := newTestClient(t, r, "")

			_, err := client.DetectionRows(context.Background(), 7)
			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected APIError, got %v", err)
			}
			if apiErr.StatusCode != tt.status || apiErr.Message != tt.wantMsg || apiErr.Type != tt.wantTyp {
				t.Errorf("unexpected error: %+v", apiErr)
			}
		})
	}
}

func TestContextCancellation(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/3/skeleton/auto-synapses/", func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	})
	client := newTestClient(t, r, "")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := client.DetectionRows(ctx, 7); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
