package callmgr

// Multi-ring fan-out: one logical outgoing call rings every device of the
// remote. The Call's device map is the whole representation; there is never
// more than one Call per remote. Answers promote devices to ringing,
// busy responses retire them, and the first acceptance collapses the ring.

// setKnownDevices seeds the pending set from the device list the application
// supplied at Proceed. An empty list leaves the call in discovery mode,
// where devices become known as their answers arrive.
func (c *Call[Peer, Ctx]) setKnownDevices(devices []DeviceID) {
	if len(devices) == 0 {
		return
	}
	c.devicesKnown = true
	for _, device := range devices {
		if _, exists := c.devices[device]; !exists {
			c.devices[device] = devicePending
		}
	}
}

// noteAnswer records an answer from a device. first is true when this is the
// first device to answer, which promotes the call to ringing-remote. A
// duplicate answer, an answer from a device already retired as busy, or an
// answer from a device outside the known set is reported with
// accepted=false and changes nothing.
func (c *Call[Peer, Ctx]) noteAnswer(device DeviceID) (first, accepted bool) {
	st, listed := c.devices[device]
	if !listed && c.devicesKnown {
		return false, false
	}
	if listed && st != devicePending {
		return false, false
	}
	first = !c.anyRinging()
	c.devices[device] = deviceRinging
	return first, true
}

// noteBusy records a busy from a device and reports whether the whole call
// is now over: every device the call knows about has resolved and none is
// still ringing. In discovery mode a busy that arrives while no device is
// ringing ends the call, since the busy device is the only one known.
func (c *Call[Peer, Ctx]) noteBusy(device DeviceID) (callOver bool) {
	c.devices[device] = deviceBusy
	if c.anyRinging() {
		return false
	}
	if c.devicesKnown && c.anyPending() {
		return false
	}
	return true
}

// collapse retires every rung device after an acceptance; from here on the
// winner is tracked as the active device. The retired devices learn about
// the winner from the Hangup/Accepted broadcast the manager sends alongside
// the collapse.
func (c *Call[Peer, Ctx]) collapse(winner DeviceID) {
	for device := range c.devices {
		delete(c.devices, device)
	}
	c.setActiveDevice(winner)
}

func (c *Call[Peer, Ctx]) anyRinging() bool {
	for _, st := range c.devices {
		if st == deviceRinging {
			return true
		}
	}
	return false
}

func (c *Call[Peer, Ctx]) anyPending() bool {
	for _, st := range c.devices {
		if st == devicePending {
			return true
		}
	}
	return false
}
