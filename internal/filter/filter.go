// Package filter applies the exclusion and price rules to detected jobs and ranks the survivors.
package filter

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"claim-swarm/internal/models"
)

// DefaultHighComplexityPattern matches tags the site uses for demanding requests.
const DefaultHighComplexityPattern = `(?i)(high[-_ ]?(poly|complexity)|complex|hard)`

// Rules configures the filtering pipeline.
type Rules struct {
	MinPriceSingle        float64
	MinPriceVariation     float64
	ExcludeKeywords       []string
	ExcludeHighComplexity bool
	HighComplexityPattern string
}

// Rejection is a job removed by one pipeline stage.
type Rejection struct {
	Job    models.Job
	Status models.Status
	Detail string
}

// Result holds ranked candidates and every rejected job.
type Result struct {
	Single   []models.Job
	Grouped  []models.Job
	Rejected []Rejection
}

// Candidates returns both candidate lists, singles first.
func (r Result) Candidates() []models.Job {
	out := make([]models.Job, 0, len(r.Single)+len(r.Grouped))
	out = append(out, r.Single...)
	return append(out, r.Grouped...)
}

// Len is the number of candidates.
func (r Result) Len() int {
	return len(r.Single) + len(r.Grouped)
}

// Engine is a pure, deterministic filter.
type Engine struct {
	rules    Rules
	keywords []string
	complex  *regexp.Regexp
}

// NewEngine compiles the rules.
func NewEngine(rules Rules) (*Engine, error) {
	e := &Engine{rules: rules}
	for _, kw := range rules.ExcludeKeywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			e.keywords = append(e.keywords, kw)
		}
	}
	if rules.ExcludeHighComplexity {
		pattern := rules.HighComplexityPattern
		if pattern == "" {
			pattern = DefaultHighComplexityPattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile high complexity pattern: %w", err)
		}
		e.complex = re
	}
	return e, nil
}

// Apply runs keyword, complexity and price stages in that order. A job rejected by
// one stage is not seen by later stages.
func (e *Engine) Apply(jobs []models.Job) Result {
	var res Result
	passed := make([]models.Job, 0, len(jobs))
	for _, job := range jobs {
		if kw, hit := e.excludedKeyword(job); hit {
			res.Rejected = append(res.Rejected, Rejection{Job: job, Status: models.StatusIgnoredKeyword, Detail: "keyword: " + kw})
			continue
		}
		if tag, hit := e.highComplexity(job); hit {
			res.Rejected = append(res.Rejected, Rejection{Job: job, Status: models.StatusIgnoredComplexity, Detail: "tag: " + tag})
			continue
		}
		if floor, ok := e.meetsPrice(job); !ok {
			res.Rejected = append(res.Rejected, Rejection{
				Job:    job,
				Status: models.StatusIgnoredLowPrice,
				Detail: fmt.Sprintf("below minimum %.2f", floor),
			})
			continue
		}
		passed = append(passed, job)
	}
	res.Single, res.Grouped = Rank(passed)
	return res
}

// Rank splits jobs by category and orders each list by total price, highest first.
// Ties keep input order.
func Rank(jobs []models.Job) (single, grouped []models.Job) {
	for _, job := range jobs {
		if job.IsGrouped {
			grouped = append(grouped, job)
		} else {
			single = append(single, job)
		}
	}
	byPrice := func(list []models.Job) {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Price > list[j].Price })
	}
	byPrice(single)
	byPrice(grouped)
	return single, grouped
}

func (e *Engine) excludedKeyword(job models.Job) (string, bool) {
	title := strings.ToLower(job.Title)
	for _, kw := range e.keywords {
		if strings.Contains(title, kw) {
			return kw, true
		}
	}
	return "", false
}

func (e *Engine) highComplexity(job models.Job) (string, bool) {
	if e.complex == nil {
		return "", false
	}
	for _, tag := range job.Tags {
		if e.complex.MatchString(tag) {
			return tag, true
		}
	}
	return "", false
}

func (e *Engine) meetsPrice(job models.Job) (float64, bool) {
	if job.IsGrouped {
		return e.rules.MinPriceVariation, job.PricePerUnit >= e.rules.MinPriceVariation
	}
	return e.rules.MinPriceSingle, job.Price >= e.rules.MinPriceSingle
}
