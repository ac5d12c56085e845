package tether_test

import (
	"context"
	"fmt"
	"time"

	"github.com/tetherws/tether"
	"github.com/tetherws/tether/internal/fakews"
	"github.com/tetherws/tether/pkg/config"
)

func ExampleClient_Send() {
	srv := fakews.NewServer()
	defer srv.Stop()

	cfg := config.Default()
	cfg.Endpoint = srv.URL()
	cfg.InitialMessage = map[string]any{"op": "subscribe"}

	c, err := tether.New(cfg)
	if err != nil {
		panic(err)
	}

	// Accepted while offline; delivered right after the initial message.
	if err := c.Send(context.Background(), []byte(`{"op":"ping"}`)); err != nil {
		panic(err)
	}

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	srv.WaitFor(5*time.Second, func() bool { return len(srv.Payloads()) == 2 })
	for _, p := range srv.Payloads() {
		fmt.Println(p)
	}

	if err := c.Close(context.Background()); err != nil {
		panic(err)
	}
	fmt.Println(<-done, c.State())

	// Output:
	// {"op":"subscribe"}
	// {"op":"ping"}
	// <nil> closed
}
