/*
Package events provides an in-memory event broker for Warden's pub/sub
messaging.

The broker broadcasts control plane events (device enrollment and liveness,
task lifecycle, command delivery, configuration changes) to interested
subscribers. Delivery is best effort: publish is non-blocking and a
subscriber whose buffer is full skips events.

# Usage

Creating and starting a broker:

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

Subscribing:

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			fmt.Printf("Event: %s - %s\n", event.Type, event.Message)
		}
	}()

Publishing:

	broker.Publish(&events.Event{
		Type:    events.EventDeviceEnrolled,
		Message: "device enrolled",
		Metadata: map[string]string{"device_id": "dev_abc"},
	})

# Limitations

  - In-memory only (no persistence or replay)
  - No guaranteed delivery (best effort)
  - No topic filtering (all events broadcast; filter by Type at the
    subscriber)
*/
package events
