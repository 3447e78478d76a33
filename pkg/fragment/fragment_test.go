package fragment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExplode(t *testing.T) {
	fragments := make(map[string]struct{})
	Explode(fragments, "hello world")

	for _, want := range []string{"hel", "ell", "llo", "wor", "orl", "rld"} {
		_, ok := fragments[want]
		assert.True(t, ok, "missing fragment %q", want)
	}
}

func TestExplodeShortWord(t *testing.T) {
	fragments := ExplodeSet("ab cd")
	assert.Empty(t, fragments)
}

func TestExplodeCaseInsensitive(t *testing.T) {
	fragments := ExplodeSet("HELLO")
	_, ok := fragments["hel"]
	assert.True(t, ok)
}

func TestExplodePure(t *testing.T) {
	a := ExplodeSet("prod-api-blue gusher-37l")
	b := ExplodeSet("prod-api-blue gusher-37l")
	require.Equal(t, a, b)
}

func TestExplodeUnicode(t *testing.T) {
	// Multi-codepoint CJK input: must not crash, and trigrams are
	// composed of runes, not bytes.
	unicode := "dN=チョコ美味い"
	fragments := ExplodeSet(unicode)
	assert.NotPanics(t, func() { ExplodeSet(unicode) })
	assert.NotEmpty(t, fragments)
}

func TestExplodeSpeed(t *testing.T) {
	line := "prod-api-blue-gusher-37l master-build-2024-03-14-pogo-q-humslash notice: r=ggsc8rn0 - m=GET u=/api/1/worlds/wrld_5ef1f09c-a4dc-4fef-8cc1-45d9b82dbe00?apiKey=JlE5Jldo5Jibnk5O5hTx6XVqsJu4WJ26&organization=vrchat ip=240f:77:1cc0:1:29ff:87db:78e8:274f mac=e84e9e5dcad93e0a470b06dfeb1d5bd780965fac country=JP asn=2516 ja3=00000000000000000000000000000000 uA=VRC.Core.BestHTTP-Y platform=standalonewindows gsv=Release_1343 store=steam clientVersion=2024.1.1p2-1407--Release unityVersion=2022.3.6f1-DWR autok=b44d782088b32903 uId=usr_18698e31-bd1a-4aa6-b1a0-44cf9c51ab00 2fa=N lv=44 f=78 ms=4 s=200 route=/api/1/worlds/:id - TIME_OK"

	start := time.Now()
	fragments := make(map[string]struct{})
	for i := 0; i < 10000; i++ {
		Explode(fragments, line)
	}
	elapsed := time.Since(start)
	assert.Less(t, elapsed, 10*time.Second)
}
