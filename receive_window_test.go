package pgm

import (
	mathrand "math/rand"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/google/gopacket/layers"
)

func testRxwSettings() *receiveWindowSettings {
	return &receiveWindowSettings{
		nakBoIvl:       50 * time.Millisecond,
		nakRptIvl:      200 * time.Millisecond,
		nakRdataIvl:    200 * time.Millisecond,
		nakDataRetries: 2,
		nakNcfRetries:  2,
	}
}

func testRxw(sqns int) *ReceiveWindow {
	return NewReceiveWindow(testTsi(), sqns, testRxwSettings(), mathrand.New(mathrand.NewSource(5)))
}

func odataPacket(sqn SequenceNumber, trail SequenceNumber, payload []byte) *Packet {
	tsi := testTsi()
	return &Packet{
		BaseLayer: layers.BaseLayer{
			Payload: payload,
		},
		SourcePort:      tsi.Sport,
		DestinationPort: 7500,
		Type:            PacketTypeOdata,
		Gsi:             tsi.Gsi,
		DataSqn:         sqn,
		DataTrail:       trail,
	}
}

func rdataPacket(sqn SequenceNumber, trail SequenceNumber, payload []byte) *Packet {
	packet := odataPacket(sqn, trail, payload)
	packet.Type = PacketTypeRdata
	return packet
}

func parityPacket(group SequenceNumber, k int, parityIndex int, trail SequenceNumber, payload []byte) *Packet {
	packet := rdataPacket(group+SequenceNumber(k)+SequenceNumber(parityIndex), trail, payload)
	packet.Parity = true
	packet.ParityGroup = &group
	return packet
}

func deliveredData(deliveries []Delivery) [][]byte {
	var data [][]byte
	for _, delivery := range deliveries {
		if !delivery.Reset {
			data = append(data, delivery.Data)
		}
	}
	return data
}

func TestReceiveWindowInOrder(t *testing.T) {
	now := time.Now()
	window := testRxw(16)

	for i := 0; i < 10; i += 1 {
		window.AddData(odataPacket(SequenceNumber(100+i), 100, []byte{byte(i)}), now)
	}
	deliveries := window.TakeDeliveries()
	assert.Equal(t, len(deliveries), 10)
	for i, delivery := range deliveries {
		assert.Equal(t, delivery.Reset, false)
		assert.Equal(t, delivery.Data, []byte{byte(i)})
	}
	// no repair state pending
	assert.Equal(t, window.NextDeadline(), time.Time{})
	assert.Equal(t, len(window.ProcessTimers(now.Add(time.Hour))), 0)
}

func TestReceiveWindowGapRepair(t *testing.T) {
	now := time.Now()
	window := testRxw(16)

	for _, i := range []int{0, 1, 2, 5} {
		window.AddData(odataPacket(SequenceNumber(i), 0, []byte{byte(i)}), now)
	}
	// 0..2 released, 3..4 lost
	assert.Equal(t, len(window.TakeDeliveries()), 3)
	assert.Equal(t, window.Lead(), SequenceNumber(5))
	assert.Equal(t, window.CommitLead(), SequenceNumber(3))

	// back-off deadline scheduled within nak_bo_ivl
	deadline := window.NextDeadline()
	assert.Equal(t, deadline.After(now), true)
	assert.Equal(t, deadline.After(now.Add(50*time.Millisecond)), false)

	// back-off expires, both naks fire
	naks := window.ProcessTimers(now.Add(50 * time.Millisecond))
	assert.Equal(t, len(naks), 2)
	assert.Equal(t, naks[0].Sqn, SequenceNumber(3))
	assert.Equal(t, naks[1].Sqn, SequenceNumber(4))
	assert.Equal(t, naks[0].Parity, false)

	// ncf confirms, rdata completes, release resumes in order
	window.AddNcf(3, false, nil, now.Add(60*time.Millisecond))
	window.AddNcf(4, false, nil, now.Add(60*time.Millisecond))
	window.AddRepair(rdataPacket(3, 0, []byte{3}), now.Add(70*time.Millisecond))
	window.AddRepair(rdataPacket(4, 0, []byte{4}), now.Add(80*time.Millisecond))

	data := deliveredData(window.TakeDeliveries())
	assert.Equal(t, data, [][]byte{{3}, {4}, {5}})

	// repaired slots stop the state machine
	assert.Equal(t, len(window.ProcessTimers(now.Add(time.Hour))), 0)
}

func TestReceiveWindowNakSuppressedByData(t *testing.T) {
	now := time.Now()
	window := testRxw(16)

	window.AddData(odataPacket(0, 0, []byte{0}), now)
	window.AddData(odataPacket(2, 0, []byte{2}), now)
	// the original arrives late, before the back-off fires
	window.AddData(odataPacket(1, 0, []byte{1}), now.Add(10*time.Millisecond))

	data := deliveredData(window.TakeDeliveries())
	assert.Equal(t, data, [][]byte{{0}, {1}, {2}})
	assert.Equal(t, len(window.ProcessTimers(now.Add(time.Hour))), 0)
}

func TestReceiveWindowNcfRetriesExhausted(t *testing.T) {
	now := time.Now()
	window := testRxw(16)

	window.AddData(odataPacket(0, 0, []byte{0}), now)
	window.AddData(odataPacket(2, 0, []byte{2}), now)
	assert.Equal(t, len(window.TakeDeliveries()), 1)

	// nak fires, no ncf ever comes back
	at := now.Add(50 * time.Millisecond)
	naks := window.ProcessTimers(at)
	assert.Equal(t, len(naks), 1)

	// first wait_ncf timeout re-enters back-off and re-naks
	at = at.Add(200 * time.Millisecond)
	assert.Equal(t, len(window.ProcessTimers(at)), 0)
	at = at.Add(50 * time.Millisecond)
	naks = window.ProcessTimers(at)
	assert.Equal(t, len(naks), 1)

	// second timeout exhausts the budget, the gap resolves as reset
	at = at.Add(200 * time.Millisecond)
	assert.Equal(t, len(window.ProcessTimers(at)), 0)

	deliveries := window.TakeDeliveries()
	assert.Equal(t, len(deliveries), 2)
	assert.Equal(t, deliveries[0].Reset, true)
	assert.Equal(t, deliveries[1].Data, []byte{2})
}

func TestReceiveWindowDataRetriesExhausted(t *testing.T) {
	now := time.Now()
	window := testRxw(16)

	window.AddData(odataPacket(0, 0, []byte{0}), now)
	window.AddData(odataPacket(2, 0, []byte{2}), now)
	window.TakeDeliveries()

	at := now.Add(50 * time.Millisecond)
	assert.Equal(t, len(window.ProcessTimers(at)), 1)

	// ncf seen, but rdata never arrives
	window.AddNcf(1, false, nil, at)
	at = at.Add(200 * time.Millisecond)
	assert.Equal(t, len(window.ProcessTimers(at)), 0)
	// back in back-off, naks again
	at = at.Add(50 * time.Millisecond)
	assert.Equal(t, len(window.ProcessTimers(at)), 1)
	window.AddNcf(1, false, nil, at)
	// second wait_data timeout exhausts the budget
	at = at.Add(200 * time.Millisecond)
	assert.Equal(t, len(window.ProcessTimers(at)), 0)

	deliveries := window.TakeDeliveries()
	assert.Equal(t, len(deliveries), 2)
	assert.Equal(t, deliveries[0].Reset, true)
	assert.Equal(t, deliveries[1].Data, []byte{2})
}

func TestReceiveWindowDuplicates(t *testing.T) {
	now := time.Now()
	window := testRxw(16)

	window.AddData(odataPacket(0, 0, []byte{0}), now)
	window.AddData(odataPacket(0, 0, []byte{0}), now)
	window.AddData(odataPacket(1, 0, []byte{1}), now)
	// behind the commit edge
	window.AddData(odataPacket(0, 0, []byte{0}), now)

	data := deliveredData(window.TakeDeliveries())
	assert.Equal(t, data, [][]byte{{0}, {1}})
}

func TestReceiveWindowApduReassembly(t *testing.T) {
	now := time.Now()
	window := testRxw(16)

	fragment := func(sqn SequenceNumber, offset uint32, payload []byte) *Packet {
		packet := odataPacket(sqn, 0, payload)
		packet.Fragment = &FragmentOption{
			FirstSqn:   10,
			Offset:     offset,
			ApduLength: 10,
		}
		return packet
	}

	// a singleton establishes the window ahead of the apdu
	window.AddData(odataPacket(9, 0, []byte("s")), now)

	// out of order arrival: 12, 10, 11
	window.AddData(fragment(12, 8, []byte("ij")), now)
	window.AddData(fragment(10, 0, []byte("abcd")), now)
	assert.Equal(t, len(deliveredData(window.TakeDeliveries())), 1)
	window.AddData(fragment(11, 4, []byte("efgh")), now)

	data := deliveredData(window.TakeDeliveries())
	assert.Equal(t, data, [][]byte{[]byte("abcdefghij")})
	assert.Equal(t, window.CommitLead(), SequenceNumber(13))

	// a singleton after the apdu still releases
	window.AddData(odataPacket(13, 0, []byte("x")), now)
	data = deliveredData(window.TakeDeliveries())
	assert.Equal(t, data, [][]byte{[]byte("x")})
}

func TestReceiveWindowSpmTrailAdvance(t *testing.T) {
	now := time.Now()
	window := testRxw(16)

	window.AddData(odataPacket(0, 0, []byte{0}), now)
	window.AddData(odataPacket(1, 0, []byte{1}), now)
	window.AddData(odataPacket(3, 0, []byte{3}), now)
	window.TakeDeliveries()

	// the sender's window moved past the gap, repair is impossible
	window.UpdateTrail(3)

	deliveries := window.TakeDeliveries()
	assert.Equal(t, len(deliveries), 2)
	assert.Equal(t, deliveries[0].Reset, true)
	assert.Equal(t, deliveries[1].Data, []byte{3})
	assert.Equal(t, len(window.ProcessTimers(now.Add(time.Hour))), 0)
}

func TestReceiveWindowSpmBeyondLead(t *testing.T) {
	now := time.Now()
	window := testRxw(16)

	window.AddData(odataPacket(0, 0, []byte{0}), now)
	window.AddData(odataPacket(2, 0, []byte{2}), now)
	window.TakeDeliveries()

	// the whole window fell behind
	window.UpdateTrail(100)
	deliveries := window.TakeDeliveries()
	assert.Equal(t, len(deliveries), 1)
	assert.Equal(t, deliveries[0].Reset, true)

	window.AddData(odataPacket(100, 100, []byte{100}), now)
	data := deliveredData(window.TakeDeliveries())
	assert.Equal(t, data, [][]byte{{100}})
}

func TestReceiveWindowOverflowEviction(t *testing.T) {
	now := time.Now()
	window := testRxw(4)

	window.AddData(odataPacket(0, 0, []byte{0}), now)
	// jump opens more lost slots than the window holds
	window.AddData(odataPacket(6, 0, []byte{6}), now)

	deliveries := window.TakeDeliveries()
	// data 0 released before the overflow, then one reset for the dropped
	// run
	assert.Equal(t, deliveries[0].Data, []byte{0})
	assert.Equal(t, deliveries[1].Reset, true)
	assert.Equal(t, window.Trail().In(3, 6), true)
}

func TestReceiveWindowParityReconstruct(t *testing.T) {
	now := time.Now()
	window := testRxw(16)
	rs, err := NewReedSolomon(6, 4)
	assert.Equal(t, err, nil)
	window.EnableParity(rs, false)

	payloads := [][]byte{
		[]byte("aaaa"),
		[]byte("bbbb"),
		[]byte("cccc"),
		[]byte("dddd"),
	}
	parity := make([]byte, 4)
	assert.Equal(t, rs.Encode(payloads, parity, 0), nil)

	// drop sqn 2, deliver the parity block instead
	window.AddData(odataPacket(0, 0, payloads[0]), now)
	window.AddData(odataPacket(1, 0, payloads[1]), now)
	window.AddData(odataPacket(3, 0, payloads[3]), now)
	assert.Equal(t, len(window.TakeDeliveries()), 2)

	window.AddRepair(parityPacket(0, 4, 0, 0, parity), now)

	data := deliveredData(window.TakeDeliveries())
	assert.Equal(t, data, [][]byte{[]byte("cccc"), []byte("dddd")})
	assert.Equal(t, len(window.ProcessTimers(now.Add(time.Hour))), 0)
}

func TestReceiveWindowParityNakRequests(t *testing.T) {
	now := time.Now()
	window := testRxw(16)
	rs, err := NewReedSolomon(6, 4)
	assert.Equal(t, err, nil)
	window.EnableParity(rs, false)

	// lose 1 and 2, group closes when 4 arrives
	window.AddData(odataPacket(0, 0, []byte("aaaa")), now)
	window.AddData(odataPacket(3, 0, []byte("dddd")), now)
	window.AddData(odataPacket(4, 0, []byte("eeee")), now)

	naks := window.ProcessTimers(now.Add(50 * time.Millisecond))
	assert.Equal(t, len(naks), 2)
	for _, nak := range naks {
		assert.Equal(t, nak.Parity, true)
		assert.Equal(t, nak.Group, SequenceNumber(0))
	}
	// distinct parity indexes for the two erasures
	assert.Equal(t, naks[0].Sqn, SequenceNumber(4))
	assert.Equal(t, naks[1].Sqn, SequenceNumber(5))
}

func TestReceiveWindowReleasedPrefixProperty(t *testing.T) {
	// with loss and full repair, the released sequence equals the sent
	// sequence
	rand := mathrand.New(mathrand.NewSource(33))
	now := time.Now()
	window := testRxw(64)

	sent := make([][]byte, 40)
	var dropped []SequenceNumber
	for i := range sent {
		sent[i] = []byte{byte(i), byte(i >> 8)}
		sqn := SequenceNumber(i)
		if i != 0 && rand.Float32() < 0.3 {
			dropped = append(dropped, sqn)
			continue
		}
		window.AddData(odataPacket(sqn, 0, sent[i]), now)
	}
	// every dropped packet is repaired
	for _, sqn := range dropped {
		window.AddRepair(rdataPacket(sqn, 0, sent[int(sqn)]), now)
	}

	data := deliveredData(window.TakeDeliveries())
	assert.Equal(t, len(data), 40)
	for i, released := range data {
		assert.Equal(t, released, sent[i])
	}
}
