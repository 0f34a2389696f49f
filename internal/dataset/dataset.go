// Package dataset loads the trajectory datasets and metadata files that are
// offered to a model repository for admission or resolution.
//
// Trajectories are JSON arrays of arrays of [lat, lon] pairs. Metadata is
// either a JSON object or the "key: value" text form written by the
// trajectory store; only total_number_of_tokens is required.
package dataset

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/trajpipe/pyramid/internal/fsutil"
	"github.com/trajpipe/pyramid/internal/geom"
)

// ErrMetadata marks a metadata file that is missing required fields.
var ErrMetadata = errors.New("invalid dataset metadata")

// Metadata describes a stored trajectory dataset.
type Metadata struct {
	TotalTokens       uint64
	TotalTrajectories int
	StoredAt          time.Time
	DataType          string
}

// Dataset is a set of trajectories plus their metadata.
type Dataset struct {
	Trajectories [][]geom.Point
	Metadata     Metadata
}

// metadataTimeLayout matches the trajectory store's date_of_data_storage.
const metadataTimeLayout = "2006-01-02 15:04"

// LoadTrajectories reads a trajectory file.
func LoadTrajectories(fsys fsutil.FileSystem, path string) ([][]geom.Point, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read trajectories: %w", err)
	}
	return ParseTrajectories(data)
}

// ParseTrajectories decodes [[[lat, lon], ...], ...].
func ParseTrajectories(data []byte) ([][]geom.Point, error) {
	var raw [][][2]float64
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse trajectories: %w", err)
	}
	out := make([][]geom.Point, len(raw))
	for i, traj := range raw {
		pts := make([]geom.Point, len(traj))
		for j, p := range traj {
			pts[j] = geom.Point{Lat: p[0], Lon: p[1]}
		}
		out[i] = pts
	}
	return out, nil
}

// LoadMetadata reads a metadata file in either JSON or key/value text form.
func LoadMetadata(fsys fsutil.FileSystem, path string) (Metadata, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return Metadata{}, fmt.Errorf("read metadata: %w", err)
	}
	return ParseMetadata(data)
}

// ParseMetadata decodes metadata. Input starting with '{' is JSON.
func ParseMetadata(data []byte) (Metadata, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		return parseJSONMetadata(trimmed)
	}
	return parseTextMetadata(trimmed)
}

type jsonMetadata struct {
	TotalTokens       *json.Number `json:"total_number_of_tokens"`
	TotalTrajectories int          `json:"total_number_of_trajectories"`
	StoredAt          string       `json:"date_of_data_storage"`
	DataType          string       `json:"type_of_data"`
}

func parseJSONMetadata(data []byte) (Metadata, error) {
	var jm jsonMetadata
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&jm); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrMetadata, err)
	}
	if jm.TotalTokens == nil {
		return Metadata{}, fmt.Errorf("%w: total_number_of_tokens is required", ErrMetadata)
	}
	fields := map[string]string{
		"total_number_of_tokens": jm.TotalTokens.String(),
		"date_of_data_storage":   jm.StoredAt,
		"type_of_data":           jm.DataType,
	}
	md, err := metadataFromFields(fields)
	if err != nil {
		return Metadata{}, err
	}
	md.TotalTrajectories = jm.TotalTrajectories
	return md, nil
}

func parseTextMetadata(data []byte) (Metadata, error) {
	fields := make(map[string]string)
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			return Metadata{}, fmt.Errorf("%w: malformed line %q", ErrMetadata, line)
		}
		fields[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	if err := sc.Err(); err != nil {
		return Metadata{}, fmt.Errorf("%w: %v", ErrMetadata, err)
	}
	if _, ok := fields["total_number_of_tokens"]; !ok {
		return Metadata{}, fmt.Errorf("%w: total_number_of_tokens is required", ErrMetadata)
	}
	md, err := metadataFromFields(fields)
	if err != nil {
		return Metadata{}, err
	}
	if s := fields["total_number_of_trajectories"]; s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return Metadata{}, fmt.Errorf("%w: bad total_number_of_trajectories %q", ErrMetadata, s)
		}
		md.TotalTrajectories = n
	}
	return md, nil
}

func metadataFromFields(fields map[string]string) (Metadata, error) {
	var md Metadata
	tokens := fields["total_number_of_tokens"]
	n, err := strconv.ParseUint(tokens, 10, 64)
	if err != nil {
		return Metadata{}, fmt.Errorf("%w: total_number_of_tokens must be a non-negative integer, got %q", ErrMetadata, tokens)
	}
	md.TotalTokens = n
	if s := fields["date_of_data_storage"]; s != "" {
		t, err := time.Parse(metadataTimeLayout, s)
		if err != nil {
			return Metadata{}, fmt.Errorf("%w: bad date_of_data_storage %q", ErrMetadata, s)
		}
		md.StoredAt = t
	}
	md.DataType = fields["type_of_data"]
	return md, nil
}

// Load reads a trajectory file and its metadata.
func Load(fsys fsutil.FileSystem, dataPath, metadataPath string) (*Dataset, error) {
	trajs, err := LoadTrajectories(fsys, dataPath)
	if err != nil {
		return nil, err
	}
	md, err := LoadMetadata(fsys, metadataPath)
	if err != nil {
		return nil, err
	}
	return &Dataset{Trajectories: trajs, Metadata: md}, nil
}

// MBR returns the bounding box of every point in the dataset.
func (d *Dataset) MBR() (geom.BoundingBox, error) {
	return geom.MBROfTrajectories(d.Trajectories)
}

// Normalized returns a copy with WGS84 coordinates mapped to the unit square.
func (d *Dataset) Normalized() *Dataset {
	return &Dataset{Trajectories: NormalizeTrajectories(d.Trajectories), Metadata: d.Metadata}
}

// PointCount returns the total number of points.
func (d *Dataset) PointCount() int {
	n := 0
	for _, t := range d.Trajectories {
		n += len(t)
	}
	return n
}

// NormalizeTrajectories maps WGS84 latitude/longitude pairs to the unit square.
func NormalizeTrajectories(trajs [][]geom.Point) [][]geom.Point {
	out := make([][]geom.Point, len(trajs))
	for i, t := range trajs {
		pts := make([]geom.Point, len(t))
		for j, p := range t {
			pts[j] = geom.NormalizeWGS84(p.Lat, p.Lon)
		}
		out[i] = pts
	}
	return out
}
