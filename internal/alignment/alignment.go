// Package alignment talks to the season alignment model, which estimates for
// every training season the day offset that aligns it with the others.
package alignment

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gocarina/gocsv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	ServiceName         = "alignment.SeasonAlignmentService"
	estimateOffsetsPath = "/" + ServiceName + "/EstimateOffsets"

	DefaultTimeout = 30 * time.Second
)

var ErrUnknownSeason = errors.New("no offset for season")

// Estimator returns the offset in days of each requested season.
type Estimator interface {
	EstimateOffsets(ctx context.Context, field string, seasons []int) (map[int]float64, error)
}

// Client calls a remote alignment model over gRPC.
type Client struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	timeout time.Duration
}

// Dial connects to the model at addr without transport security.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to alignment server: %w", err)
	}
	c := NewClient(conn, timeout)
	c.closer = conn.Close
	return c, nil
}

func NewClient(conn grpc.ClientConnInterface, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{conn: conn, timeout: timeout}
}

func (c *Client) Close() error {
	if c.closer == nil {
		return nil
	}
	return c.closer()
}

func (c *Client) EstimateOffsets(ctx context.Context, field string, seasons []int) (map[int]float64, error) {
	req, err := encodeRequest(field, seasons)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp := &structpb.Struct{}
	if err := c.conn.Invoke(ctx, estimateOffsetsPath, req, resp); err != nil {
		return nil, fmt.Errorf("estimate offsets for %s: %w", field, err)
	}
	return decodeOffsets(resp)
}

func encodeRequest(field string, seasons []int) (*structpb.Struct, error) {
	list := make([]interface{}, len(seasons))
	for i, s := range seasons {
		list[i] = s
	}
	req, err := structpb.NewStruct(map[string]interface{}{
		"field":   field,
		"seasons": list,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode alignment request: %w", err)
	}
	return req, nil
}

func decodeRequest(req *structpb.Struct) (string, []int, error) {
	field := req.GetFields()["field"].GetStringValue()
	var seasons []int
	for _, v := range req.GetFields()["seasons"].GetListValue().GetValues() {
		seasons = append(seasons, int(v.GetNumberValue()))
	}
	if field == "" || len(seasons) == 0 {
		return "", nil, fmt.Errorf("request needs a field and at least one season")
	}
	return field, seasons, nil
}

func encodeOffsets(offsets map[int]float64) (*structpb.Struct, error) {
	m := make(map[string]interface{}, len(offsets))
	for s, off := range offsets {
		m[strconv.Itoa(s)] = off
	}
	return structpb.NewStruct(map[string]interface{}{"offsets": m})
}

func decodeOffsets(resp *structpb.Struct) (map[int]float64, error) {
	offsets := make(map[int]float64)
	for key, v := range resp.GetFields()["offsets"].GetStructValue().GetFields() {
		s, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("invalid season %q in alignment response: %w", key, err)
		}
		offsets[s] = v.GetNumberValue()
	}
	return offsets, nil
}

// StaticEstimator serves offsets from a fixed table.
type StaticEstimator map[int]float64

func (s StaticEstimator) EstimateOffsets(_ context.Context, _ string, seasons []int) (map[int]float64, error) {
	out := make(map[int]float64, len(seasons))
	for _, season := range seasons {
		off, ok := s[season]
		if !ok {
			return nil, fmt.Errorf("%w %d", ErrUnknownSeason, season)
		}
		out[season] = off
	}
	return out, nil
}

type OffsetRow struct {
	Season     int     `csv:"season"`
	OffsetDays float64 `csv:"offset_days"`
}

// LoadOffsets reads a season,offset_days table.
func LoadOffsets(path string) (StaticEstimator, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open offsets file: %w", err)
	}
	defer file.Close()

	var rows []OffsetRow
	if err := gocsv.UnmarshalFile(file, &rows); err != nil {
		return nil, fmt.Errorf("failed to read offsets: %w", err)
	}

	table := make(StaticEstimator, len(rows))
	for _, row := range rows {
		table[row.Season] = row.OffsetDays
	}
	return table, nil
}

func SaveOffsets(path string, offsets map[int]float64) error {
	rows := make([]OffsetRow, 0, len(offsets))
	for s, off := range offsets {
		rows = append(rows, OffsetRow{Season: s, OffsetDays: off})
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create offsets file: %w", err)
	}
	defer file.Close()

	if err := gocsv.MarshalFile(&rows, file); err != nil {
		return fmt.Errorf("failed to save offsets: %w", err)
	}
	return nil
}
