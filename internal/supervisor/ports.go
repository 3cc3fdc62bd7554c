package supervisor

import (
	"errors"
	"fmt"
)

// ErrNoFreePorts - пул control портов исчерпан
var ErrNoFreePorts = errors.New("no free control ports")

// PortPool раздаёт control порты из фиксированного диапазона.
// Источник занятости - БД (живые запуски), пул сам состояния не держит.
type PortPool struct {
	start int
	end   int
}

// NewPortPool создает пул диапазона [start, end]
func NewPortPool(start, end int) (*PortPool, error) {
	if start < 1024 || end > 65535 || start > end {
		return nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}
	return &PortPool{start: start, end: end}, nil
}

// Allocate возвращает первый свободный порт диапазона
func (p *PortPool) Allocate(used []int) (int, error) {
	taken := make(map[int]bool, len(used))
	for _, port := range used {
		taken[port] = true
	}

	for port := p.start; port <= p.end; port++ {
		if !taken[port] {
			return port, nil
		}
	}

	return 0, fmt.Errorf("%w: range %d-%d fully allocated", ErrNoFreePorts, p.start, p.end)
}

// Capacity возвращает размер пула
func (p *PortPool) Capacity() int {
	return p.end - p.start + 1
}
