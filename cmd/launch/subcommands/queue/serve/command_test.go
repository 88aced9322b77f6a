package serve_test

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opst/knitlaunch/cmd/launch/subcommands/common"
	"github.com/opst/knitlaunch/cmd/launch/subcommands/internal/commandline"
	"github.com/opst/knitlaunch/cmd/launch/subcommands/queue/serve"
	kqueue "github.com/opst/knitlaunch/pkg/configs/queue"
	"github.com/opst/knitlaunch/pkg/runqueue"
	rqhttp "github.com/opst/knitlaunch/pkg/runqueue/http"
	"github.com/opst/knitlaunch/pkg/runqueue/lease"
	"github.com/opst/knitlaunch/pkg/utils/try"
	"github.com/youta-t/flarc"
	"go.uber.org/zap"
)

func eventually(t *testing.T, message string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout: %s", message)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestTask(t *testing.T) {
	t.Run("it serves queues in the config, and restarts when the config is modified", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queue.yaml")
		writeConfig := func(queues ...string) {
			t.Helper()
			body := "api_key: secret\nqueues:\n"
			for _, q := range queues {
				body += "  - {entity: someone, name: " + q + "}\n"
			}
			try.To(0, os.WriteFile(path, []byte(body), 0o644)).OrFatal(t)
		}
		writeConfig("cpu")

		first := try.To(net.Listen("tcp", "127.0.0.1:0")).OrFatal(t)
		addr := first.Addr().String()
		listened := false
		listen := func(string) (net.Listener, error) {
			if !listened {
				listened = true
				return first, nil
			}
			return net.Listen("tcp", addr)
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan error, 1)
		go func() {
			done <- serve.Task(listen)(
				ctx, zap.NewNop(), common.CommonFlags{},
				commandline.MockCommandline[serve.Flag]{
					Fullname_: "launch queue serve",
					Stdout_:   new(strings.Builder),
					Stderr_:   new(strings.Builder),
					Flags_:    serve.Flag{Config: path},
				},
				[]any{},
			)
		}()

		found := func(client runqueue.Client, name string) bool {
			_, err := client.GetRunQueue(ctx, "someone", name)
			return err == nil
		}
		eventually(t, "server is up", func() bool {
			return found(rqhttp.NewClient("http://"+addr, rqhttp.WithAPIKey("secret")), "cpu")
		})
		client := rqhttp.NewClient("http://"+addr, rqhttp.WithAPIKey("secret"))

		if _, err := rqhttp.NewClient("http://"+addr).GetRunQueue(ctx, "someone", "cpu"); err == nil {
			t.Errorf("requests without api key should be rejected")
		}

		writeConfig("cpu", "gpu")
		eventually(t, "new queue is served", func() bool {
			return found(client, "gpu")
		})

		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		case <-time.After(20 * time.Second):
			t.Fatal("server does not stop")
		}
	})

	t.Run("it fails when the config is broken", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "queue.yaml")
		try.To(0, os.WriteFile(path, []byte("store: {type: sqlite}\n"), 0o644)).OrFatal(t)

		err := serve.Task(nil)(
			context.Background(), zap.NewNop(), common.CommonFlags{},
			commandline.MockCommandline[serve.Flag]{Flags_: serve.Flag{Config: path}},
			[]any{},
		)
		if err == nil {
			t.Error("expected error does not happen")
		}
	})

	for name, flags := range map[string]serve.Flag{
		"--config is missing":      {},
		"--cert without --certkey": {Config: "queue.yaml", Cert: "cert.pem"},
		"--certkey without --cert": {Config: "queue.yaml", CertKey: "key.pem"},
	} {
		t.Run("it is a usage error when "+name, func(t *testing.T) {
			err := serve.Task(nil)(
				context.Background(), zap.NewNop(), common.CommonFlags{},
				commandline.MockCommandline[serve.Flag]{Flags_: flags},
				[]any{},
			)
			if !errors.Is(err, flarc.ErrUsage) {
				t.Errorf("expected ErrUsage, but: %v", err)
			}
		})
	}
}

func TestOpenStore(t *testing.T) {
	ctx := context.Background()
	issuer := lease.NewIssuer(time.Minute)

	t.Run("memory store works without connections", func(t *testing.T) {
		store, closeStore, err := serve.OpenStore(ctx, kqueue.StoreConfig{Type: kqueue.StoreMemory}, issuer, func(string) string { return "" })
		if err != nil {
			t.Fatal(err)
		}
		defer closeStore()
		try.To(store.CreateRunQueue(ctx, runqueue.Queue{Entity: "someone", Name: "cpu"})).OrFatal(t)
	})

	for name, c := range map[string]kqueue.StoreConfig{
		"postgres": {Type: kqueue.StorePostgres},
		"redis":    {Type: kqueue.StoreRedis},
	} {
		t.Run(name+" store needs url", func(t *testing.T) {
			_, _, err := serve.OpenStore(ctx, c, issuer, func(string) string { return "" })
			if err == nil {
				t.Fatal("expected error does not happen")
			}
			if !strings.Contains(err.Error(), "store.url") {
				t.Errorf("message: %s", err)
			}
		})
	}
}
