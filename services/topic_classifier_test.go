package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShariarAlamDipto/grademax-sub001/model"
	"github.com/ShariarAlamDipto/grademax-sub001/services/digitalocean"
)

func matcherOnlyClassifier() *TopicClassifier {
	return NewTopicClassifier(DefaultSubjectProfiles(), ClassifierConfig{})
}

func TestMatcherPicksTopicFromCoreTerms(t *testing.T) {
	c := matcherOnlyClassifier()

	cases := []struct {
		excerpt string
		want    string
	}{
		{"Calculate the acceleration and the resultant force acting on the trolley.", "1"},
		{"Define specific heat capacity and describe conduction in metals.", "2"},
		{"State the relationship between wavelength and frequency during refraction.", "3"},
		{"Calculate the potential difference across the resistor and its resistance.", "4"},
		{"The isotope decays with a half-life of 8 days emitting an alpha particle.", "5"},
		{"Describe the orbit of the satellite around the planet.", "6"},
	}

	for _, tc := range cases {
		results := c.ClassifyBatch(context.Background(), "0625", []ClassifyInput{{Excerpt: tc.excerpt, Marks: 3}})
		got := results[0]
		if got.TopicCode != tc.want {
			t.Errorf("excerpt %q: expected topic %s, got %s", tc.excerpt, tc.want, got.TopicCode)
		}
		if got.Confidence < 0 || got.Confidence > 1 {
			t.Errorf("confidence out of range: %f", got.Confidence)
		}
	}
}

func TestMatcherConfidenceCappedBelowThreshold(t *testing.T) {
	c := matcherOnlyClassifier()

	// Saturate one topic's core and support terms
	excerpt := "Calculate the velocity, acceleration and momentum of the mass. " +
		"The resultant force does work done against friction affecting kinetic energy."
	results := c.ClassifyBatch(context.Background(), "0625", []ClassifyInput{{Excerpt: excerpt, Marks: 3}})

	if results[0].Confidence >= c.acceptThreshold {
		t.Errorf("matcher confidence %f must stay below the acceptance threshold %f", results[0].Confidence, c.acceptThreshold)
	}
	if !results[0].ReviewFlag {
		t.Error("a unit below the threshold must carry the review flag")
	}
}

func TestFallbackAlwaysAssignsTopic(t *testing.T) {
	// No topic keywords at all and no external service configured
	c := matcherOnlyClassifier()
	results := c.ClassifyBatch(context.Background(), "0625", []ClassifyInput{{Excerpt: "qwerty zxcvb", Marks: 2}})

	got := results[0]
	if got.TopicCode == "" {
		t.Fatal("fallback must still assign a topic code")
	}
	if got.Confidence >= c.acceptThreshold {
		t.Errorf("keyword-free excerpt should stay below threshold, got %f", got.Confidence)
	}
	if got.Source != SourceFallback {
		t.Errorf("expected fallback source, got %s", got.Source)
	}
}

func TestNegativeTermsPenalizeFalseMatches(t *testing.T) {
	c := matcherOnlyClassifier()

	// "wave speed" is a negative term for the motion topic
	results := c.ClassifyBatch(context.Background(), "0625", []ClassifyInput{{
		Excerpt: "Calculate the wave speed using the wavelength and frequency of the wave.",
		Marks:   2,
	}})
	if results[0].TopicCode != "3" {
		t.Errorf("expected the waves topic despite the speed keyword, got %s", results[0].TopicCode)
	}
}

func TestEstimateDifficulty(t *testing.T) {
	profile := DefaultSubjectProfiles().For("0625")

	cases := []struct {
		marks   int
		excerpt string
		want    model.Difficulty
	}{
		{1, "State the unit of force.", model.DifficultyEasy},
		{2, "Name the process and label the diagram.", model.DifficultyEasy},
		{3, "Calculate the current in the circuit.", model.DifficultyMedium},
		{4, "Explain why the reading changes.", model.DifficultyHard},
		{7, "Calculate the efficiency of the system.", model.DifficultyHard},
	}

	for _, tc := range cases {
		if got := estimateDifficulty(tc.marks, tc.excerpt, profile); got != tc.want {
			t.Errorf("%d marks, %q: expected %s, got %s", tc.marks, tc.excerpt, got, tc.want)
		}
	}
}

func newMockInference(t *testing.T, handler http.HandlerFunc) *digitalocean.InferenceClient {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return digitalocean.NewInferenceClient(digitalocean.InferenceConfig{
		APIKey:  "test-key",
		BaseURL: server.URL,
		Retry:   &digitalocean.RetryConfig{MaxRetries: 0, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1},
	})
}

func inferenceReply(content string) map[string]interface{} {
	return map[string]interface{}{
		"id":      "test",
		"object":  "chat.completion",
		"choices": []map[string]interface{}{{"index": 0, "message": map[string]string{"role": "assistant", "content": content}, "finish_reason": "stop"}},
	}
}

func TestServiceTierOverridesMatcher(t *testing.T) {
	inference := newMockInference(t, func(w http.ResponseWriter, r *http.Request) {
		verdict := `{"items":[{"index":0,"topic_code":"5","difficulty":"hard","confidence":0.93}]}`
		json.NewEncoder(w).Encode(inferenceReply(verdict))
	})

	c := NewTopicClassifier(DefaultSubjectProfiles(), ClassifierConfig{
		Inference: inference,
		RateDelay: time.Millisecond,
		Timeout:   5 * time.Second,
	})

	results := c.ClassifyBatch(context.Background(), "0625", []ClassifyInput{{
		Excerpt: "A sealed source is stored in a lead container.",
		Marks:   2,
	}})

	got := results[0]
	if got.TopicCode != "5" {
		t.Errorf("expected service topic 5, got %s", got.TopicCode)
	}
	if got.Difficulty != model.DifficultyHard {
		t.Errorf("expected service difficulty override to hard, got %s", got.Difficulty)
	}
	if got.Source != SourceService || got.ReviewFlag {
		t.Errorf("expected accepted service result, got source=%s review=%v", got.Source, got.ReviewFlag)
	}
	if got.Confidence != 0.93 {
		t.Errorf("expected service confidence 0.93, got %f", got.Confidence)
	}
}

func TestServiceLowConfidenceKeepsFallback(t *testing.T) {
	inference := newMockInference(t, func(w http.ResponseWriter, r *http.Request) {
		verdict := `{"items":[{"index":0,"topic_code":"5","difficulty":"hard","confidence":0.4}]}`
		json.NewEncoder(w).Encode(inferenceReply(verdict))
	})

	c := NewTopicClassifier(DefaultSubjectProfiles(), ClassifierConfig{
		Inference: inference,
		RateDelay: time.Millisecond,
	})

	results := c.ClassifyBatch(context.Background(), "0625", []ClassifyInput{{
		Excerpt: "Calculate the momentum of the trolley before the collision.",
		Marks:   3,
	}})

	got := results[0]
	if got.TopicCode != "1" {
		t.Errorf("expected the matcher's topic to survive a low-confidence verdict, got %s", got.TopicCode)
	}
	if !got.ReviewFlag {
		t.Error("expected the review flag when no tier clears the threshold")
	}
}

func TestServiceFailureFallsBack(t *testing.T) {
	inference := newMockInference(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal error", http.StatusInternalServerError)
	})

	c := NewTopicClassifier(DefaultSubjectProfiles(), ClassifierConfig{
		Inference: inference,
		RateDelay: time.Millisecond,
	})

	results := c.ClassifyBatch(context.Background(), "0625", []ClassifyInput{
		{Excerpt: "Calculate the acceleration of the trolley.", Marks: 2},
		{Excerpt: "Define specific heat capacity.", Marks: 1},
	})

	for i, got := range results {
		if got.TopicCode == "" {
			t.Errorf("unit %d: service failure must not leave a unit unclassified", i)
		}
		if got.Source == SourceService {
			t.Errorf("unit %d: no unit may claim the failed service as its source", i)
		}
	}
}

func TestServiceMalformedResponseFallsBack(t *testing.T) {
	inference := newMockInference(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(inferenceReply("not json at all"))
	})

	c := NewTopicClassifier(DefaultSubjectProfiles(), ClassifierConfig{
		Inference: inference,
		RateDelay: time.Millisecond,
	})

	results := c.ClassifyBatch(context.Background(), "0625", []ClassifyInput{{
		Excerpt: "Calculate the resultant force.", Marks: 2,
	}})
	if results[0].TopicCode == "" {
		t.Error("malformed service response must not leave a unit unclassified")
	}
}

func TestCancellationKeepsCompletedBatches(t *testing.T) {
	var calls atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inference := newMockInference(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) >= 2 {
			// Second request: cancel before answering so later batches see
			// a dead context
			cancel()
			http.Error(w, "too late", http.StatusInternalServerError)
			return
		}
		verdict := `{"items":[{"index":0,"topic_code":"1","difficulty":"medium","confidence":0.9},{"index":1,"topic_code":"1","difficulty":"medium","confidence":0.9}]}`
		json.NewEncoder(w).Encode(inferenceReply(verdict))
	})

	c := NewTopicClassifier(DefaultSubjectProfiles(), ClassifierConfig{
		Inference: inference,
		BatchSize: 2,
		RateDelay: time.Millisecond,
	})

	inputs := make([]ClassifyInput, 6)
	for i := range inputs {
		inputs[i] = ClassifyInput{Excerpt: "Calculate the acceleration.", Marks: 2}
	}
	results := c.ClassifyBatch(ctx, "0625", inputs)

	if n := calls.Load(); n != 2 {
		t.Fatalf("expected no external calls after cancellation, got %d total", n)
	}
	// The first batch keeps its service results
	if results[0].Source != SourceService || results[1].Source != SourceService {
		t.Error("cancellation must not roll back already-classified units")
	}
	for i := 2; i < 6; i++ {
		if results[i].TopicCode == "" {
			t.Errorf("unit %d: cancelled batch must still get a fallback topic", i)
		}
		if results[i].Source == SourceService {
			t.Errorf("unit %d: no service result expected after cancellation", i)
		}
	}
}

func TestPreCancelledContextSkipsService(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	inference := newMockInference(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "unexpected", http.StatusInternalServerError)
	})

	c := NewTopicClassifier(DefaultSubjectProfiles(), ClassifierConfig{
		Inference: inference,
		RateDelay: time.Millisecond,
	})

	results := c.ClassifyBatch(ctx, "0625", []ClassifyInput{{Excerpt: "Calculate the acceleration.", Marks: 2}})
	if n := calls.Load(); n != 0 {
		t.Errorf("expected no external calls with a cancelled context, got %d", n)
	}
	if results[0].TopicCode == "" {
		t.Error("a cancelled run must still produce fallback labels")
	}
}

func TestMatcherCapNeverNegative(t *testing.T) {
	// An extreme threshold must not push the cap, and with it the
	// reported confidence, below zero.
	c := NewTopicClassifier(DefaultSubjectProfiles(), ClassifierConfig{AcceptThreshold: 0.05})

	results := c.ClassifyBatch(context.Background(), "0625", []ClassifyInput{{
		Excerpt: "Calculate the acceleration and the resultant force acting on the trolley.", Marks: 3,
	}})
	if results[0].Confidence < 0 || results[0].Confidence > 1 {
		t.Errorf("confidence out of range: %f", results[0].Confidence)
	}
	if results[0].TopicCode == "" {
		t.Error("a capped matcher result must still carry a topic")
	}
}

func TestUnknownTopicCodeIgnored(t *testing.T) {
	inference := newMockInference(t, func(w http.ResponseWriter, r *http.Request) {
		verdict := `{"items":[{"index":0,"topic_code":"99","difficulty":"hard","confidence":0.95}]}`
		json.NewEncoder(w).Encode(inferenceReply(verdict))
	})

	c := NewTopicClassifier(DefaultSubjectProfiles(), ClassifierConfig{
		Inference: inference,
		RateDelay: time.Millisecond,
	})

	results := c.ClassifyBatch(context.Background(), "0625", []ClassifyInput{{
		Excerpt: "Calculate the acceleration of the trolley.", Marks: 2,
	}})
	if results[0].TopicCode == "99" {
		t.Error("an unknown topic code from the service must be rejected")
	}
}

// TestClassifyAgainstLiveInference exercises the real inference endpoint.
// Requires network access and credentials.
func TestClassifyAgainstLiveInference(t *testing.T) {
	if os.Getenv("RUN_INTEGRATION_TESTS") != "true" {
		t.Skip("Skipping integration test. Set RUN_INTEGRATION_TESTS=true to run")
	}
	apiKey := os.Getenv("DO_INFERENCE_API_KEY")
	if apiKey == "" {
		t.Skip("DO_INFERENCE_API_KEY not set")
	}

	inference := digitalocean.NewInferenceClient(digitalocean.InferenceConfig{
		APIKey: apiKey,
		Model:  os.Getenv("DO_INFERENCE_MODEL"),
	})
	c := NewTopicClassifier(DefaultSubjectProfiles(), ClassifierConfig{
		Inference: inference,
		Limiter:   digitalocean.NewRateLimiter(digitalocean.DefaultRateLimiterConfig()),
	})

	results := c.ClassifyBatch(context.Background(), "0625", []ClassifyInput{
		{Label: "1", Excerpt: "A radioactive isotope has a half-life of 5730 years. Calculate the fraction remaining after 11460 years.", Marks: 3},
	})

	t.Logf("live classification: topic=%s difficulty=%s confidence=%.2f source=%s",
		results[0].TopicCode, results[0].Difficulty, results[0].Confidence, results[0].Source)
	if results[0].TopicCode == "" {
		t.Error("live classification must still produce a topic")
	}
}
