package pgm

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testOdataBuffer(t *testing.T, tsi Tsi, payload []byte, fragment *FragmentOption) *PacketBuffer {
	packet := &Packet{
		SourcePort:      tsi.Sport,
		DestinationPort: 7500,
		Type:            PacketTypeOdata,
		Gsi:             tsi.Gsi,
		Fragment:        fragment,
	}
	buffer, err := encodePacket(packet, payload)
	assert.Equal(t, err, nil)
	return buffer
}

func TestTransmitWindowAddRetrieve(t *testing.T) {
	tsi := testTsi()
	window := NewTransmitWindow(tsi, 4, nil, false, 100)

	assert.Equal(t, window.Trail(), SequenceNumber(100))
	assert.Equal(t, window.Lead(), SequenceNumber(99))

	for i := 0; i < 4; i += 1 {
		sqn := window.Add(testOdataBuffer(t, tsi, []byte{byte(i)}, nil))
		assert.Equal(t, sqn, SequenceNumber(100+i))
	}
	assert.Equal(t, window.Trail(), SequenceNumber(100))
	assert.Equal(t, window.Lead(), SequenceNumber(103))

	buffer, err := window.Retrieve(101)
	assert.Equal(t, err, nil)
	assert.Equal(t, buffer.Sqn, SequenceNumber(101))
	assert.Equal(t, buffer.Payload(), []byte{1})

	// below trail
	_, err = window.Retrieve(99)
	assert.Equal(t, err, ErrWindowGone)
	// above lead
	_, err = window.Retrieve(104)
	assert.Equal(t, err, ErrWindowNxio)
}

func TestTransmitWindowEviction(t *testing.T) {
	tsi := testTsi()
	window := NewTransmitWindow(tsi, 4, nil, false, 0)

	for i := 0; i < 10; i += 1 {
		window.Add(testOdataBuffer(t, tsi, []byte{byte(i)}, nil))
	}
	assert.Equal(t, window.Trail(), SequenceNumber(6))
	assert.Equal(t, window.Lead(), SequenceNumber(9))

	_, err := window.Retrieve(5)
	assert.Equal(t, err, ErrWindowGone)
	buffer, err := window.Retrieve(6)
	assert.Equal(t, err, nil)
	assert.Equal(t, buffer.Payload(), []byte{6})
}

func TestTransmitWindowRetrieveProperty(t *testing.T) {
	// retrieve succeeds iff trail <= sqn <= lead over random add runs
	rand := mathrand.New(mathrand.NewSource(21))
	tsi := testTsi()
	window := NewTransmitWindow(tsi, 16, nil, false, SequenceNumber(rand.Uint32()))

	for round := 0; round < 50; round += 1 {
		adds := 1 + rand.Intn(8)
		for i := 0; i < adds; i += 1 {
			window.Add(testOdataBuffer(t, tsi, []byte{byte(i)}, nil))
		}
		trail, lead := window.Edges()
		for probe := trail - 3; probe != lead+4; probe += 1 {
			_, err := window.Retrieve(probe)
			if probe.In(trail, lead) {
				assert.Equal(t, err, nil)
			} else {
				assert.NotEqual(t, err, nil)
			}
		}
	}
}

func TestTransmitWindowApduMonotonic(t *testing.T) {
	tsi := testTsi()
	window := NewTransmitWindow(tsi, 16, nil, false, 0)

	first := window.Lead() + 1
	window.Add(testOdataBuffer(t, tsi, []byte("a"), &FragmentOption{FirstSqn: first, Offset: 0, ApduLength: 2}))
	window.Add(testOdataBuffer(t, tsi, []byte("b"), &FragmentOption{FirstSqn: first, Offset: 1, ApduLength: 2}))

	defer func() {
		assert.NotEqual(t, recover(), nil)
	}()
	// a later apdu must not reuse an earlier first sqn
	window.Add(testOdataBuffer(t, tsi, []byte("c"), &FragmentOption{FirstSqn: first - 1, Offset: 0, ApduLength: 1}))
}

func TestTransmitWindowParity(t *testing.T) {
	tsi := testTsi()
	rs, err := NewReedSolomon(6, 4)
	assert.Equal(t, err, nil)
	window := NewTransmitWindow(tsi, 8, rs, false, 0)

	payloads := [][]byte{
		[]byte("aaaa"),
		[]byte("bbbb"),
		[]byte("cccc"),
		[]byte("dddd"),
	}
	for _, payload := range payloads {
		window.Add(testOdataBuffer(t, tsi, payload, nil))
	}
	assert.Equal(t, window.GroupComplete(0), true)
	assert.Equal(t, window.GroupComplete(4), false)

	parity0, err := window.ParityPayload(0, 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, len(parity0), 4)

	// cached on second request
	parity0Again, err := window.ParityPayload(0, 0)
	assert.Equal(t, err, nil)
	assert.Equal(t, &parity0[0], &parity0Again[0])

	// matches a direct encode
	expect := make([]byte, 4)
	assert.Equal(t, rs.Encode(payloads, expect, 0), nil)
	assert.Equal(t, parity0, expect)

	// misaligned group
	_, err = window.ParityPayload(2, 0)
	assert.Equal(t, err, ErrFecInvalidParams)
	// parity index out of range
	_, err = window.ParityPayload(0, 2)
	assert.Equal(t, err, ErrFecInvalidParams)
	// incomplete group
	_, err = window.ParityPayload(4, 0)
	assert.Equal(t, err, ErrWindowNxio)
}

func TestTransmitWindowParityEviction(t *testing.T) {
	tsi := testTsi()
	rs, err := NewReedSolomon(6, 4)
	assert.Equal(t, err, nil)
	// capacity rounds up to a group boundary
	window := NewTransmitWindow(tsi, 6, rs, false, 0)

	for i := 0; i < 10; i += 1 {
		window.Add(testOdataBuffer(t, tsi, []byte{byte(i), 0, 0, 0}, nil))
	}
	_, err = window.ParityPayload(0, 0)
	assert.Equal(t, err, ErrWindowGone)
	_, err = window.ParityPayload(4, 0)
	assert.Equal(t, err, nil)
}
