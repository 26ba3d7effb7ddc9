package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	DecisionsTotal.WithLabelValues("trader", "appended").Inc()
	FederatedAccuracy.Set(0.75)

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, name := range []string{"treasury_decisions_total", "treasury_federated_accuracy 0.75"} {
		if !strings.Contains(string(body), name) {
			t.Fatalf("expected %q in scrape output", name)
		}
	}
}
