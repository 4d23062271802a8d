// Package statefile encodes one region's stock state as a JSON document. The
// local and GCS state stores share it so their files are interchangeable.
package statefile

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/JakeFAU/stockwatch/internal/restock"
)

var validRegion = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Document is the persisted form of a region's state.
type Document struct {
	Region  string                `json:"region"`
	Records []restock.StockRecord `json:"records"`
}

// Name returns the file or object name used for region.
func Name(region string) (string, error) {
	if !validRegion.MatchString(region) {
		return "", fmt.Errorf("invalid region code %q", region)
	}
	return region + ".json", nil
}

// Encode renders state with every record stamped at updatedAt, sorted by
// product ID so rewrites of unchanged state are byte-identical apart from the
// timestamp.
func Encode(region string, state restock.StockState, updatedAt time.Time) ([]byte, error) {
	doc := Document{Region: region, Records: make([]restock.StockRecord, 0, len(state))}
	for id, soldOut := range state {
		doc.Records = append(doc.Records, restock.StockRecord{
			Region:    region,
			ProductID: id,
			SoldOut:   soldOut,
			UpdatedAt: updatedAt.UTC(),
		})
	}
	sort.Slice(doc.Records, func(i, j int) bool { return doc.Records[i].ProductID < doc.Records[j].ProductID })
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal state: %w", err)
	}
	return data, nil
}

// Decode parses a document written by Encode.
func Decode(data []byte) (restock.StockState, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal state: %w", err)
	}
	state := make(restock.StockState, len(doc.Records))
	for _, rec := range doc.Records {
		state[rec.ProductID] = rec.SoldOut
	}
	return state, nil
}
