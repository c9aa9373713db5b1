package bus

import (
	"hash/fnv"

	kafka "github.com/segmentio/kafka-go"
)

// InstrumentBalancer routes messages by their key. Pinned instruments always
// land on their dedicated partition so consumers keep per-instrument
// ordering for the hot codes, everything else hashes across the rest.
type InstrumentBalancer struct {
	Pinned map[string]int
}

// Header attached to messages that must drain first.
const priorityHeader = "priority"

// Balance implements kafka.Balancer.
func (b *InstrumentBalancer) Balance(msg kafka.Message, partitions ...int) int {
	if len(partitions) == 0 {
		return 0
	}
	for _, h := range msg.Headers {
		if h.Key == priorityHeader && string(h.Value) == "URGENT" {
			return partitions[0]
		}
	}
	if p, ok := b.Pinned[string(msg.Key)]; ok {
		for _, candidate := range partitions {
			if candidate == p {
				return p
			}
		}
	}
	h := fnv.New32a()
	h.Write(msg.Key)
	return partitions[int(h.Sum32())%len(partitions)]
}
