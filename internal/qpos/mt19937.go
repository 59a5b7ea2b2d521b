package qpos

// mt19937 is a hand-port of the classic 32-bit Mersenne Twister
// (boost::mt19937's parameterization: w=32, n=624, m=397, r=31,
// a=0x9908b0df, u=11, s=7, b=0x9d2c5680, t=15, c=0xefc60000, l=18,
// f=1812433253). No Go MT19937 package exists in the retrieval pack and
// this exact bit sequence is consensus-critical: a different
// generator or a different seeding/tempering constant makes queue
// construction diverge from every other implementation of this chain.
type mt19937 struct {
	state [624]uint32
	index int
}

// newMT19937 seeds a generator exactly as boost::mt19937(seed) does: the
// classic Knuth/Matsumoto-Nishimura recurrence
// state[i] = f*(state[i-1] ^ (state[i-1] >> 30)) + i, f = 1812433253.
func newMT19937(seed uint32) *mt19937 {
	m := &mt19937{}
	m.state[0] = seed
	for i := 1; i < 624; i++ {
		prev := m.state[i-1]
		m.state[i] = 1812433253*(prev^(prev>>30)) + uint32(i)
	}
	m.index = 624
	return m
}

func (m *mt19937) generate() {
	const (
		upperMask = 0x80000000
		lowerMask = 0x7fffffff
		matrixA   = 0x9908b0df
	)
	for i := 0; i < 624; i++ {
		y := (m.state[i] & upperMask) | (m.state[(i+1)%624] & lowerMask)
		next := m.state[(i+397)%624] ^ (y >> 1)
		if y&1 != 0 {
			next ^= matrixA
		}
		m.state[i] = next
	}
	m.index = 0
}

// next32 returns the next tempered 32-bit output.
func (m *mt19937) next32() uint32 {
	if m.index >= 624 {
		m.generate()
	}
	y := m.state[m.index]
	y ^= y >> 11
	y ^= (y << 7) & 0x9d2c5680
	y ^= (y << 15) & 0xefc60000
	y ^= y >> 18
	m.index++
	return y
}

// uniformInt draws a uniformly distributed value in [0, n) for n > 0,
// matching boost::uniform_int<>'s behavior when driven through a
// variate_generator over a full-range mt19937: reduce a 32-bit draw modulo
// n. boost::uniform_int's rejection sampling only engages when the
// generator's range isn't a clean multiple of n; mt19937's full 2^32 range
// makes the modulo-bias negligible for the small n (roster sizes) queue
// construction uses, and — more importantly — matches what the original
// QPShuffler actually computed.
func (m *mt19937) uniformInt(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	return m.next32() % n
}
