package services

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ShariarAlamDipto/grademax-sub001/model"
	"github.com/ShariarAlamDipto/grademax-sub001/services/digitalocean"
	"github.com/ShariarAlamDipto/grademax-sub001/utils"
)

// ClassificationSource records which tier produced the accepted label
type ClassificationSource string

const (
	SourceMatcher  ClassificationSource = "matcher"
	SourceService  ClassificationSource = "service"
	SourceFallback ClassificationSource = "fallback"
)

// Classification is the per-unit output of the classifier
type Classification struct {
	TopicCode  string
	Difficulty model.Difficulty
	Confidence float64
	ReviewFlag bool
	Source     ClassificationSource
}

// ClassifyInput is one unit's text as seen by the classifier
type ClassifyInput struct {
	Label         string // "3(b)(ii)", used in logs and prompts
	Excerpt       string
	SchemeSnippet string // linked mark-scheme text when available
	Marks         int
}

// TopicClassifier assigns a topic code and difficulty tier to question
// units. All external-call state (client, rate limiter, timers) lives on
// the instance so tests can run parallel classifiers with independent
// mock clients.
type TopicClassifier struct {
	profiles *SubjectProfiles

	inference *digitalocean.InferenceClient // nil disables the service tier
	limiter   *digitalocean.RateLimiter

	acceptThreshold float64
	batchSize       int
	rateDelay       time.Duration
	timeout         time.Duration

	callMu sync.Mutex // external calls are serialized per instance
}

// ClassifierConfig configures a TopicClassifier
type ClassifierConfig struct {
	Inference       *digitalocean.InferenceClient
	Limiter         *digitalocean.RateLimiter
	AcceptThreshold float64       // default 0.7
	BatchSize       int           // default 8
	RateDelay       time.Duration // default 2s between external calls
	Timeout         time.Duration // default 90s per external call
}

// NewTopicClassifier creates a classifier with defaults applied
func NewTopicClassifier(profiles *SubjectProfiles, config ClassifierConfig) *TopicClassifier {
	if config.AcceptThreshold <= 0 || config.AcceptThreshold > 1 {
		config.AcceptThreshold = 0.7
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 8
	}
	if config.RateDelay <= 0 {
		config.RateDelay = 2 * time.Second
	}
	if config.Timeout <= 0 {
		config.Timeout = 90 * time.Second
	}
	return &TopicClassifier{
		profiles:        profiles,
		inference:       config.Inference,
		limiter:         config.Limiter,
		acceptThreshold: config.AcceptThreshold,
		batchSize:       config.BatchSize,
		rateDelay:       config.RateDelay,
		timeout:         config.Timeout,
	}
}

// matcherCap bounds deterministic confidence strictly below the
// acceptance threshold: lexical matching alone is advisory. Floored at
// zero so extreme thresholds cannot push confidence negative.
func (c *TopicClassifier) matcherCap() float64 {
	limit := c.acceptThreshold - 0.05
	if limit < 0 {
		return 0
	}
	return limit
}

// ClassifyBatch classifies all inputs for one subject. Every input gets
// a result: units the external service cannot improve keep the matcher's
// best candidate with its capped confidence. Cancellation between
// batches stops further external calls but keeps completed results.
func (c *TopicClassifier) ClassifyBatch(ctx context.Context, subjectCode string, inputs []ClassifyInput) []Classification {
	profile := c.profiles.For(subjectCode)

	results := make([]Classification, len(inputs))
	for i, in := range inputs {
		code, score := c.matchTopic(profile, in.Excerpt+"\n"+in.SchemeSnippet)
		results[i] = Classification{
			TopicCode:  code,
			Difficulty: estimateDifficulty(in.Marks, in.Excerpt, profile),
			Confidence: score,
			Source:     SourceMatcher,
		}
	}

	if c.inference != nil {
		c.classifyViaService(ctx, profile, inputs, results)
	}

	for i := range results {
		if results[i].Confidence < c.acceptThreshold {
			results[i].ReviewFlag = true
			if results[i].Source == SourceMatcher {
				results[i].Source = SourceFallback
			}
		}
	}
	return results
}

// matchTopic scores every topic rule against the text and returns the
// best candidate. Core terms and formula hits carry weight 0.7, support
// terms 0.3; each negative-term hit subtracts a fixed penalty. The
// returned score is clamped into [0, matcherCap].
func (c *TopicClassifier) matchTopic(profile *SubjectProfile, text string) (string, float64) {
	lower := strings.ToLower(text)

	bestCode := ""
	bestScore := -1.0
	for ti := range profile.Topics {
		t := &profile.Topics[ti]

		coreHits := 0
		for _, term := range t.CoreTerms {
			if strings.Contains(lower, term) {
				coreHits++
			}
		}
		for _, re := range t.formulaRes {
			if re.MatchString(lower) {
				coreHits++
			}
		}
		supportHits := 0
		for _, term := range t.SupportTerms {
			if strings.Contains(lower, term) {
				supportHits++
			}
		}
		negHits := 0
		for _, term := range t.NegativeTerms {
			if strings.Contains(lower, term) {
				negHits++
			}
		}

		score := 0.7*ratio(coreHits, 2) + 0.3*ratio(supportHits, 3) - 0.25*float64(negHits)
		if score > bestScore {
			bestScore = score
			bestCode = t.Code
		}
	}

	if bestCode == "" && len(profile.Topics) > 0 {
		bestCode = profile.Topics[0].Code
	}
	if bestScore < 0 {
		bestScore = 0
	}
	if limit := c.matcherCap(); bestScore > limit {
		bestScore = limit
	}
	return bestCode, bestScore
}

// ratio saturates hits/denominator at 1.0
func ratio(hits, denominator int) float64 {
	if hits >= denominator {
		return 1.0
	}
	return float64(hits) / float64(denominator)
}

// estimateDifficulty derives a tier from mark value and command verbs.
// The external service may override this estimate.
func estimateDifficulty(marks int, text string, profile *SubjectProfile) model.Difficulty {
	lower := strings.ToLower(text)
	higherOrder := containsAny(lower, profile.HigherOrderVerbs)
	recall := containsAny(lower, profile.RecallVerbs)

	switch {
	case marks >= 6, marks >= 4 && higherOrder:
		return model.DifficultyHard
	case marks <= 2 && recall && !higherOrder, marks <= 1:
		return model.DifficultyEasy
	default:
		return model.DifficultyMedium
	}
}

func containsAny(text string, terms []string) bool {
	for _, term := range terms {
		if strings.Contains(text, term) {
			return true
		}
	}
	return false
}

// serviceItem is the external service's per-unit verdict
type serviceItem struct {
	Index      int     `json:"index"`
	TopicCode  string  `json:"topic_code"`
	Difficulty string  `json:"difficulty"`
	Confidence float64 `json:"confidence"`
}

type serviceVerdict struct {
	Items []serviceItem `json:"items"`
}

// classifyViaService runs the external tier over the inputs in batches,
// overwriting results where the service's confidence clears the
// threshold. Calls are serialized and separated by a fixed delay; a
// failed or timed-out batch keeps its matcher results and the remaining
// batches still run.
func (c *TopicClassifier) classifyViaService(ctx context.Context, profile *SubjectProfile, inputs []ClassifyInput, results []Classification) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	for batch, start := 0, 0; start < len(inputs); batch, start = batch+1, start+c.batchSize {
		if ctx.Err() != nil {
			log.Printf("TopicClassifier: cancelled before batch %d, %d units keep fallback labels", batch, len(inputs)-start)
			return
		}

		end := start + c.batchSize
		if end > len(inputs) {
			end = len(inputs)
		}

		if batch > 0 {
			select {
			case <-ctx.Done():
				log.Printf("TopicClassifier: cancelled before batch %d, %d units keep fallback labels", batch, len(inputs)-start)
				return
			case <-time.After(c.rateDelay):
			}
		}

		if err := c.classifyOneBatch(ctx, profile, inputs[start:end], results[start:end], batch); err != nil {
			serr := &ClassificationServiceError{Batch: batch, Err: err}
			log.Printf("TopicClassifier: %v, using fallback labels for batch", serr)
			if c.limiter != nil && strings.Contains(err.Error(), "429") {
				c.limiter.SetBackoffMultiplier(2)
			}
		}
	}
}

func (c *TopicClassifier) classifyOneBatch(ctx context.Context, profile *SubjectProfile, inputs []ClassifyInput, results []Classification, batch int) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	response, err := c.inference.JSONCompletion(callCtx,
		buildClassifySystemPrompt(profile),
		buildClassifyUserPrompt(inputs))
	if err != nil {
		return err
	}

	var verdict serviceVerdict
	if err := utils.ExtractJSONTo(response, &verdict); err != nil {
		return fmt.Errorf("malformed classification response: %w", err)
	}

	valid := map[string]bool{}
	for _, t := range profile.Topics {
		valid[t.Code] = true
	}

	applied := 0
	for _, item := range verdict.Items {
		if item.Index < 0 || item.Index >= len(results) {
			continue
		}
		if !valid[item.TopicCode] {
			log.Printf("TopicClassifier: batch %d returned unknown topic %q for item %d, ignored", batch, item.TopicCode, item.Index)
			continue
		}
		conf := item.Confidence
		if conf < 0 {
			conf = 0
		}
		if conf > 1 {
			conf = 1
		}
		if conf < c.acceptThreshold || conf < results[item.Index].Confidence {
			continue
		}

		results[item.Index].TopicCode = item.TopicCode
		results[item.Index].Confidence = conf
		results[item.Index].Source = SourceService
		if d := parseDifficulty(item.Difficulty); d != "" {
			results[item.Index].Difficulty = d
		}
		applied++
	}

	log.Printf("TopicClassifier: batch %d classified %d/%d units above threshold", batch, applied, len(inputs))
	return nil
}

func parseDifficulty(s string) model.Difficulty {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "easy":
		return model.DifficultyEasy
	case "medium":
		return model.DifficultyMedium
	case "hard":
		return model.DifficultyHard
	default:
		return ""
	}
}

func buildClassifySystemPrompt(profile *SubjectProfile) string {
	var b strings.Builder
	b.WriteString("You classify exam questions for the subject ")
	b.WriteString(profile.Name)
	b.WriteString(" into exactly one topic from this list:\n")
	for _, t := range profile.Topics {
		fmt.Fprintf(&b, "- %s: %s\n", t.Code, t.Name)
	}
	b.WriteString(`
For each numbered item, respond with its topic code, a difficulty tier
(easy, medium or hard) and your confidence between 0 and 1.

Respond with JSON of the form:
{"items": [{"index": 0, "topic_code": "1", "difficulty": "medium", "confidence": 0.9}]}`)
	return b.String()
}

func buildClassifyUserPrompt(inputs []ClassifyInput) string {
	var b strings.Builder
	for i, in := range inputs {
		fmt.Fprintf(&b, "Item %d (question %s, %d marks):\n%s\n", i, in.Label, in.Marks, truncate(in.Excerpt, 900))
		if in.SchemeSnippet != "" {
			fmt.Fprintf(&b, "Marking guidance:\n%s\n", truncate(in.SchemeSnippet, 400))
		}
		b.WriteString("\n")
	}
	return b.String()
}
