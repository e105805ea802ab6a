package hotkey

// Toggle turns presses into single events. Key repeat while the chord is
// held does not produce extra events.
type Toggle struct {
	ch   chan struct{}
	stop chan struct{}
}

func NewToggle(hk Hotkey) *Toggle {
	t := &Toggle{ch: make(chan struct{}, 1), stop: make(chan struct{})}
	go t.run(hk)
	return t
}

func (t *Toggle) C() <-chan struct{} { return t.ch }

func (t *Toggle) Stop() {
	select {
	case <-t.stop:
	default:
		close(t.stop)
	}
}

func (t *Toggle) run(hk Hotkey) {
	for {
		select {
		case <-t.stop:
			return
		case <-hk.Keydown():
		}
		select {
		case t.ch <- struct{}{}:
		default:
		}

		// drain repeats until release
	held:
		for {
			select {
			case <-t.stop:
				return
			case <-hk.Keydown():
			case <-hk.Keyup():
				break held
			}
		}
	}
}
