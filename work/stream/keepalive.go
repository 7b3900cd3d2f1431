package stream

const tsPacketSize = 188

// nullPacket is an MPEG-TS null packet: sync byte, PID 0x1FFF, payload-only
// adaptation control, stuffing payload. Decoders discard it without
// disturbing playback, which keeps an idle HTTP response alive.
func nullPacket() []byte {
	packet := make([]byte, tsPacketSize)
	packet[0] = 0x47
	packet[1] = 0x1F
	packet[2] = 0xFF
	packet[3] = 0x10
	for i := 4; i < tsPacketSize; i++ {
		packet[i] = 0xFF
	}
	return packet
}

// KeepAliveBurst returns a small run of null packets. A single packet gets
// swallowed by player-side buffering; seven is enough to register as
// activity on every client tested without measurable bandwidth cost.
func KeepAliveBurst() []byte {
	const packets = 7
	burst := make([]byte, 0, packets*tsPacketSize)
	single := nullPacket()
	for i := 0; i < packets; i++ {
		burst = append(burst, single...)
	}
	return burst
}
