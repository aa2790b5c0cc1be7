package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"claim-swarm/internal/models"
)

// MaxVariations bounds a group's declared size.
const MaxVariations = 10000

// RawListing is one record of the listing feed. Numeric fields are left untyped
// because the site sends them as JSON numbers or numeric strings depending on the endpoint.
type RawListing struct {
	ID         any           `json:"id"`
	Type       string        `json:"type"`
	Attributes RawAttributes `json:"attributes"`
}

// RawAttributes is the attribute bag of a listing record.
type RawAttributes struct {
	UID                   any             `json:"uid"`
	Title                 string          `json:"title"`
	Compensation          any             `json:"compensation"`
	Tags                  []any           `json:"tags"`
	GroupType             string          `json:"groupType"`
	GroupData             *RawGroupData   `json:"groupData"`
	PartOfGroupOfRequests bool            `json:"partOfGroupOfRequests"`
	PricingInformation    *RawPricingInfo `json:"pricingInformation"`
	Complexity            any             `json:"complexity"`
	ClaimDeadline         any             `json:"claimDeadline"`
	NextRoundDeadline     any             `json:"nextRoundDeadline"`
}

// RawGroupData describes the bundle a grouped record belongs to.
type RawGroupData struct {
	Compensation       any             `json:"compensation"`
	Size               any             `json:"size"`
	Complexity         any             `json:"complexity"`
	PricingInformation *RawPricingInfo `json:"pricingInformation"`
}

// RawPricingInfo carries the server-computed price and its inputs.
type RawPricingInfo struct {
	Price         any `json:"price"`
	OriginalPrice any `json:"originalPrice"`
	Multiplier    any `json:"multiplier"`
}

// Page is one parsed page of the feed.
type Page struct {
	Jobs    []models.Job
	Next    string
	Dropped int
}

// JobURL derives the detail-page address for a job id.
func JobURL(listingURL, id string) string {
	return strings.TrimRight(listingURL, "/") + "/" + id + "/brief"
}

// ParseListing converts a raw record into a Job. Records without an id are dropped (ok=false).
func ParseListing(raw RawListing, listingURL string) (models.Job, bool) {
	id := stringValue(raw.ID)
	if id == "" {
		return models.Job{}, false
	}
	attr := raw.Attributes

	job := models.Job{
		ID:             id,
		UID:            stringValue(attr.UID),
		URL:            JobURL(listingURL, id),
		IsGrouped:      attr.PartOfGroupOfRequests,
		VariationCount: 1,
		Title:          strings.TrimSpace(attr.Title),
		GroupType:      attr.GroupType,
		Complexity:     stringValue(attr.Complexity),
		ClaimDeadline:  stringValue(attr.ClaimDeadline),
	}
	if job.ClaimDeadline == "" {
		job.ClaimDeadline = stringValue(attr.NextRoundDeadline)
	}
	for _, tag := range attr.Tags {
		if s := stringValue(tag); s != "" {
			job.Tags = append(job.Tags, s)
		}
	}

	var pricing *RawPricingInfo
	if job.IsGrouped && attr.GroupData != nil {
		if attr.GroupData.PricingInformation != nil {
			if _, ok := numberValue(attr.GroupData.PricingInformation.Price); ok {
				pricing = attr.GroupData.PricingInformation
			}
		}
		if size, ok := numberValue(attr.GroupData.Size); ok && size >= 1 {
			job.VariationCount = int(math.Min(size, MaxVariations))
		}
		if job.Complexity == "" {
			job.Complexity = stringValue(attr.GroupData.Complexity)
		}
	}
	if pricing == nil && attr.PricingInformation != nil {
		if _, ok := numberValue(attr.PricingInformation.Price); ok {
			pricing = attr.PricingInformation
		}
	}

	switch {
	case pricing != nil:
		job.Price, _ = numberValue(pricing.Price)
		job.OriginalPrice, _ = numberValue(pricing.OriginalPrice)
		job.Multiplier, _ = numberValue(pricing.Multiplier)
	default:
		job.Price, _ = numberValue(attr.Compensation)
	}

	job.PricePerUnit = job.Price
	if job.IsGrouped {
		job.PricePerUnit = job.Price / float64(job.VariationCount)
	}
	return job, true
}

// ParseFeed parses a feed body. Both the wrapped form {"data":[...],"links":{"next":...}}
// and a bare array are accepted.
func ParseFeed(body []byte, listingURL string) (Page, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return Page{}, fmt.Errorf("empty feed body")
	}

	var records []RawListing
	var page Page
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &records); err != nil {
			return Page{}, fmt.Errorf("decode feed array: %w", err)
		}
	} else {
		var wrapped struct {
			Data  []RawListing `json:"data"`
			Links struct {
				Next *string `json:"next"`
			} `json:"links"`
		}
		if err := json.Unmarshal(trimmed, &wrapped); err != nil {
			return Page{}, fmt.Errorf("decode feed: %w", err)
		}
		records = wrapped.Data
		if wrapped.Links.Next != nil {
			page.Next = *wrapped.Links.Next
		}
	}

	for _, raw := range records {
		job, ok := ParseListing(raw, listingURL)
		if !ok {
			page.Dropped++
			continue
		}
		page.Jobs = append(page.Jobs, job)
	}
	return page, nil
}

func numberValue(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func stringValue(value any) string {
	switch v := value.(type) {
	case string:
		return strings.TrimSpace(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int:
		return strconv.Itoa(v)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	}
	return ""
}
