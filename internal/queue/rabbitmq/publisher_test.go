package rabbitmq

import (
	"testing"
)

// The publisher and the worker both declare the queues through
// DeclareTopology; these assertions pin down the argument tables so the two
// processes can never end up declaring the same queue inequivalently.
func TestTopologyQueueArguments(t *testing.T) {
	decls := topology("broadcast_jobs")
	if len(decls) != 3 {
		t.Fatalf("expected dlq, retry and main declarations, got %d", len(decls))
	}

	byName := map[string]queueDecl{}
	for _, d := range decls {
		byName[d.name] = d
	}

	dlq, ok := byName["broadcast_jobs.dlq"]
	if !ok {
		t.Fatalf("missing dlq declaration: %+v", decls)
	}
	if dlq.args != nil {
		t.Fatalf("dlq must have no dead-letter args, got %v", dlq.args)
	}

	retry, ok := byName["broadcast_jobs.retry"]
	if !ok {
		t.Fatalf("missing retry declaration: %+v", decls)
	}
	if retry.args["x-dead-letter-routing-key"] != "broadcast_jobs" {
		t.Fatalf("retry queue must dead-letter back to the main queue, got %v", retry.args)
	}

	main, ok := byName["broadcast_jobs"]
	if !ok {
		t.Fatalf("missing main declaration: %+v", decls)
	}
	if main.args["x-dead-letter-routing-key"] != "broadcast_jobs.dlq" {
		t.Fatalf("main queue must dead-letter into the dlq, got %v", main.args)
	}
	if main.args["x-dead-letter-exchange"] != "" {
		t.Fatalf("main queue must dead-letter via the default exchange, got %v", main.args)
	}

	// dlq is declared first so dead-letter targets exist before their sources
	if decls[0].name != "broadcast_jobs.dlq" || decls[2].name != "broadcast_jobs" {
		t.Fatalf("declaration order: %+v", decls)
	}
}
