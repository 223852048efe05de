package events_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/cacherr-project/cacherr/events"
)

var _ = Describe("Bus", func() {
	It("delivers a published event to every live subscriber", func() {
		bus := events.New(4)
		a := bus.Subscribe()
		b := bus.Subscribe()

		bus.Publish(events.Event{Type: events.TypeLog, Data: events.LogData{Message: "hi"}})

		Eventually(a.Events()).Should(Receive())
		Eventually(b.Events()).Should(Receive())
	})

	It("drops the oldest event and counts it once a subscriber's queue is full", func() {
		bus := events.New(2)
		sub := bus.Subscribe()

		for i := 0; i < 5; i++ {
			bus.Publish(events.Event{Type: events.TypeLog, Data: events.LogData{Message: "x"}})
		}

		Expect(sub.Dropped()).To(BeNumerically(">", 0))
	})

	It("closes the subscriber channel on Withdraw and tolerates a second Withdraw", func() {
		bus := events.New(4)
		sub := bus.Subscribe()
		sub.Withdraw()

		_, open := <-sub.Events()
		Expect(open).To(BeFalse())

		Expect(sub.Withdraw).NotTo(Panic())

		bus.Publish(events.Event{Type: events.TypeLog, Data: events.LogData{Message: "after withdraw"}})
	})

	It("stamps an event's Time when the caller leaves it zero", func() {
		bus := events.New(4)
		sub := bus.Subscribe()

		bus.Publish(events.Event{Type: events.TypeLog, Data: events.LogData{Message: "stamped"}})

		var got events.Event
		Eventually(sub.Events()).Should(Receive(&got))
		Expect(got.Time.IsZero()).To(BeFalse())
	})
})
