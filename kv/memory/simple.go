package memory

func (m *MemoryKV) Put(slot string, value []byte) {
	kMap, _ := m.s.LoadOrStoreLazy(m.hashFn(slot), newInnerMapFunc)
	kMap.Store(slot, append([]byte(nil), value...))
}

func (m *MemoryKV) Get(slot string) ([]byte, bool) {
	kMap, ok := m.s.Load(m.hashFn(slot))
	if !ok {
		return nil, false
	}
	return kMap.Load(slot)
}

func (m *MemoryKV) Delete(slot string) bool {
	kMap, ok := m.s.Load(m.hashFn(slot))
	if !ok {
		return false
	}
	_, deleted := kMap.LoadAndDelete(slot)
	return deleted
}
