package bridge

import "rtcore/internal/eventbus"

// BusSink republishes payloads on the in-process event bus so local
// subscribers receive the same worker/{id}/{type} stream an external
// broker would. It is the default sink when no broker is configured.
type BusSink struct {
	bus eventbus.Bus
}

func NewBusSink(bus eventbus.Bus) *BusSink {
	return &BusSink{bus: bus}
}

func (s *BusSink) Publish(topic string, payload []byte) error {
	s.bus.Publish(topic, payload)
	return nil
}
