package encoding

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name    string            `msgpack:"name"`
	LSN     uint64            `msgpack:"lsn"`
	XID     uint32            `msgpack:"xid"`
	Payload []byte            `msgpack:"payload"`
	Attrs   map[string]string `msgpack:"attrs"`
}

func TestMarshalStruct(t *testing.T) {
	in := sample{
		Name:    "orders_slot",
		LSN:     0x16B3748,
		XID:     742,
		Payload: []byte{0x01, 0x02},
		Attrs:   map[string]string{"plugin": "textdecoding"},
	}

	data, err := Marshal(&in)
	require.NoError(t, err)
	require.NotEmpty(t, data)

	var out sample
	require.NoError(t, Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestUnmarshalInterfaceKeepsStrings(t *testing.T) {
	data, err := Marshal(map[string]interface{}{"value": "42"})
	require.NoError(t, err)

	var out map[string]interface{}
	require.NoError(t, Unmarshal(data, &out))

	_, isString := out["value"].(string)
	assert.True(t, isString, "expected string, got %T", out["value"])
}

func TestUnmarshalGarbage(t *testing.T) {
	var out sample
	assert.Error(t, Unmarshal([]byte{0xc1}, &out))
}

func TestMarshalConcurrent(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				data, err := Marshal(&sample{LSN: uint64(id*1000 + j)})
				if !assert.NoError(t, err) {
					return
				}
				var out sample
				if !assert.NoError(t, Unmarshal(data, &out)) {
					return
				}
				assert.Equal(t, uint64(id*1000+j), out.LSN)
			}
		}(i)
	}
	wg.Wait()
}
