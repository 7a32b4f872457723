package session_test

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/tillerhq/tiller/citest/testutil"
	"github.com/tillerhq/tiller/internal/event"
	"github.com/tillerhq/tiller/internal/hook"
	"github.com/tillerhq/tiller/internal/runner"
	"github.com/tillerhq/tiller/internal/session"
	"github.com/tillerhq/tiller/internal/store"
	"github.com/tillerhq/tiller/internal/thread"
	"github.com/tillerhq/tiller/pkg/types"
)

var _ = Describe("Session lifecycle", func() {
	var (
		dir    string
		bus    *event.Bus
		agent  *testutil.ScriptedRunner
		ctrl   *session.Controller
		events *testutil.EventCollector
	)

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "tiller-citest-*")
		Expect(err).NotTo(HaveOccurred())

		st := store.New(dir)
		threads := thread.NewService(st)
		settings := thread.NewSettings(threads, st)
		bus = event.NewBus()
		agent = testutil.NewScriptedRunner()
		events = testutil.Collect(bus)

		cfg := &types.Config{
			DefaultMode: "build",
			Modes: map[string]types.Mode{
				"build": {Name: "Build", Model: "model-a"},
			},
			ResourceID: "res-citest",
		}

		ctrl, err = session.NewController(cfg, bus, agent, threads, settings, hook.NewRegistry())
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		ctrl.Close()
		bus.Close()
		os.RemoveAll(dir)
	})

	finishedRun := func(text string) []runner.Event {
		return []runner.Event{
			runner.TextStart{SpanID: "s1"},
			runner.TextDelta{SpanID: "s1", Text: text},
			runner.Finish{Reason: "stop"},
		}
	}

	It("runs one operation to completion and settles back to idle", func() {
		agent.Add(finishedRun("done")...)

		Expect(ctrl.SendMessage(context.Background(), "hello")).To(Succeed())

		Eventually(events.EndReasons, 2*time.Second, 5*time.Millisecond).
			Should(Equal([]string{"complete"}))

		order := events.Types()
		Expect(order[len(order)-1]).To(Equal(event.StateChanged))
		Expect(ctrl.Snapshot().State).To(Equal("idle"))

		messages, err := ctrl.Messages(context.Background(), thread.Page{})
		Expect(err).NotTo(HaveOccurred())
		Expect(messages).To(HaveLen(2))
		Expect(messages[0].Role).To(Equal("user"))
		Expect(messages[1].Role).To(Equal("assistant"))
	})

	It("queues messages sent mid-run and drains them in order", func() {
		hold := make(chan struct{})
		agent.AddScript(testutil.Script{Events: finishedRun("first"), Hold: hold})
		agent.Add(finishedRun("second")...)
		agent.Add(finishedRun("third")...)

		Expect(ctrl.SendMessage(context.Background(), "one")).To(Succeed())
		Eventually(func() int { return events.Count(event.AgentStart) }, 2*time.Second, 5*time.Millisecond).
			Should(Equal(1))

		Expect(ctrl.FollowUp(context.Background(), "two")).To(Succeed())
		Expect(ctrl.FollowUp(context.Background(), "three")).To(Succeed())
		Expect(events.Count(event.FollowUpQueued)).To(Equal(2))

		close(hold)

		Eventually(events.EndReasons, 2*time.Second, 5*time.Millisecond).
			Should(Equal([]string{"complete", "complete", "complete"}))

		requests := agent.Requests()
		Expect(requests).To(HaveLen(3))
		Expect(lastUserText(requests[1])).To(Equal("two"))
		Expect(lastUserText(requests[2])).To(Equal("three"))
	})

	It("aborts the live operation without draining the queue", func() {
		agent.AddScript(testutil.Script{
			Events: []runner.Event{
				runner.TextStart{SpanID: "s1"},
				runner.TextDelta{SpanID: "s1", Text: "partial"},
			},
			Hold: make(chan struct{}),
		})

		Expect(ctrl.SendMessage(context.Background(), "one")).To(Succeed())
		Eventually(func() int { return events.Count(event.MessageUpdate) }, 2*time.Second, 5*time.Millisecond).
			Should(BeNumerically(">=", 1))

		Expect(ctrl.FollowUp(context.Background(), "later")).To(Succeed())
		ctrl.Abort()

		Eventually(events.EndReasons, 2*time.Second, 5*time.Millisecond).
			Should(Equal([]string{"aborted"}))

		snap := ctrl.Snapshot()
		Expect(snap.State).To(Equal("idle"))
		Expect(snap.QueueLength).To(Equal(1))
		Expect(agent.RequestCount()).To(Equal(1))
	})

	It("suspends on approval and continues once the user approves", func() {
		agent.Add(runner.ApprovalRequired{
			RunID:  "run-1",
			CallID: "call-1",
			Tool:   "bash",
			Args:   map[string]any{"command": "make test"},
		})
		agent.AddResume(finishedRun("built")...)

		Expect(ctrl.SendMessage(context.Background(), "build it")).To(Succeed())

		var req event.ApprovalRequiredData
		Eventually(func() bool {
			ev, ok := events.First(event.ToolApprovalRequired)
			if ok {
				req = ev.Data.(event.ApprovalRequiredData)
			}
			return ok
		}, 2*time.Second, 5*time.Millisecond).Should(BeTrue())

		Expect(req.ToolName).To(Equal("bash"))
		Expect(ctrl.ResolveApproval(req.RequestID, session.ApproveOnce)).To(Succeed())

		Eventually(events.EndReasons, 2*time.Second, 5*time.Millisecond).
			Should(Equal([]string{"complete"}))
		Expect(agent.Approved()).To(Equal([]string{"call-1"}))
	})
})

// lastUserText returns the text of the newest user message in a request.
func lastUserText(req runner.StreamRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if msg.Role != "user" {
			continue
		}
		for _, span := range msg.Spans {
			if text, ok := span.(*types.TextSpan); ok {
				return text.Text
			}
		}
	}
	return ""
}
