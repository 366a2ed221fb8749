package bluetooth

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/sonolink/sonolinkd/protocol"
	"github.com/sonolink/sonolinkd/transfer"
	"github.com/sonolink/sonolinkd/utils"
)

// Central is the BlueZ-side glue between the link and a receiver session:
// it finds the sensor, subscribes to the data characteristic, feeds every
// notification into the receiver, and writes START/STOP/ACK messages to the
// control characteristic. Session semantics live entirely in the transfer
// package; this type only moves bytes.
type Central struct {
	mu       sync.Mutex
	conn     *dbus.Conn
	receiver *transfer.Receiver
	wsHub    *utils.Hub

	adapterPath  dbus.ObjectPath
	devicePath   dbus.ObjectPath
	dataCharPath dbus.ObjectPath
	ctrlCharPath dbus.ObjectPath

	sessionStart time.Time
	connected    bool
	stopChan     chan struct{}
	stopOnce     sync.Once
}

// NewCentral connects to the system bus. The hub may be nil when no UI is
// attached.
func NewCentral(receiver *transfer.Receiver, wsHub *utils.Hub) (*Central, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}
	return &Central{
		conn:        conn,
		receiver:    receiver,
		wsHub:       wsHub,
		adapterPath: DefaultAdapterPath,
		stopChan:    make(chan struct{}),
	}, nil
}

// Connect locates the sensor (known devices first, then a scan), connects,
// resolves the transfer characteristics, and starts the notification
// monitor. addressHint, when non-empty, skips discovery.
func (c *Central) Connect(addressHint string) error {
	address := addressHint
	if address == "" {
		found, err := c.discoverDevice()
		if err != nil {
			return err
		}
		address = found
	}

	c.mu.Lock()
	c.devicePath = dbus.ObjectPath(fmt.Sprintf("%s/dev_%s", c.adapterPath, strings.ReplaceAll(address, ":", "_")))
	c.mu.Unlock()

	dev := c.conn.Object(bluezBusName, c.devicePath)
	if err := dev.Call(deviceIface+".Connect", 0).Err; err != nil {
		return fmt.Errorf("failed to connect to %s: %w", address, err)
	}
	log.Printf("Connected to %s", address)

	if err := c.waitServicesResolved(dev); err != nil {
		return err
	}
	if err := c.resolveCharacteristics(); err != nil {
		return err
	}

	dataChar := c.conn.Object(bluezBusName, c.dataCharPath)
	if err := dataChar.Call(gattCharIface+".StartNotify", 0).Err; err != nil {
		return fmt.Errorf("failed to enable notifications: %w", err)
	}
	log.Printf("Notifications enabled on data characteristic")

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	go c.monitorNotifications()
	if c.wsHub != nil {
		c.wsHub.Broadcast(utils.Event{Type: "device_connected", Payload: map[string]interface{}{"address": address}})
	}
	return nil
}

// StartTransfer starts the receiver session and asks the peripheral to
// begin streaming.
func (c *Central) StartTransfer() error {
	c.mu.Lock()
	c.sessionStart = time.Now()
	c.mu.Unlock()

	c.receiver.Start()
	return c.writeControl(protocol.CmdStart, 0)
}

// StopTransfer asks the peripheral to stop and ends the receiver session.
func (c *Central) StopTransfer() error {
	err := c.writeControl(protocol.CmdStop, 0)
	c.receiver.Stop()
	return err
}

// SendAck writes a cumulative ACK for all blocks up to and including block.
// Wired as the receiver's OnAck hook.
func (c *Central) SendAck(block uint16) {
	if err := c.writeControl(protocol.CmdAck, block); err != nil {
		log.Printf("Failed to write ACK for block %d: %v", block, err)
	}
}

// Close tears down the notification monitor and the device connection. The
// receiver session is left as-is so a later reconnect can resume it.
func (c *Central) Close() {
	c.stopOnce.Do(func() { close(c.stopChan) })

	c.mu.Lock()
	devicePath := c.devicePath
	connected := c.connected
	c.connected = false
	c.mu.Unlock()

	if connected && devicePath != "" {
		dev := c.conn.Object(bluezBusName, devicePath)
		if err := dev.Call(deviceIface+".Disconnect", 0).Err; err != nil {
			log.Printf("Device disconnect failed: %v", err)
		}
	}
	c.conn.Close()
}

// discoverDevice checks devices BlueZ already knows, then scans until the
// sensor shows up or the scan times out.
func (c *Central) discoverDevice() (string, error) {
	if addr, ok := c.findKnownDevice(); ok {
		log.Printf("Found known device %s", addr)
		return addr, nil
	}

	adapter := c.conn.Object(bluezBusName, c.adapterPath)
	if err := adapter.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
		return "", fmt.Errorf("failed to start discovery: %w", err)
	}
	defer adapter.Call(adapterIface+".StopDiscovery", 0)

	log.Printf("Scanning for %q...", DeviceName)
	deadline := time.Now().Add(ScanTimeoutSec * time.Second)
	for time.Now().Before(deadline) {
		if addr, ok := c.findKnownDevice(); ok {
			log.Printf("Discovered %s", addr)
			return addr, nil
		}
		time.Sleep(time.Second)
	}
	return "", fmt.Errorf("no %q device found within %d seconds", DeviceName, ScanTimeoutSec)
}

// findKnownDevice walks the BlueZ object tree for a device matching the
// sensor name or advertising the transfer service.
func (c *Central) findKnownDevice() (string, bool) {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	if err := c.conn.Object(bluezBusName, "/").Call(objectManagerGet, 0).Store(&objects); err != nil {
		log.Printf("Failed to get managed objects: %v", err)
		return "", false
	}

	for _, interfaces := range objects {
		devIface, ok := interfaces[deviceIface]
		if !ok {
			continue
		}
		addrVariant, ok := devIface["Address"]
		if !ok {
			continue
		}
		address, _ := addrVariant.Value().(string)

		if nameVariant, ok := devIface["Name"]; ok {
			if name, _ := nameVariant.Value().(string); name == DeviceName {
				return address, true
			}
		}
		if uuidsVariant, ok := devIface["UUIDs"]; ok {
			if uuids, _ := uuidsVariant.Value().([]string); uuids != nil {
				for _, uuid := range uuids {
					if strings.EqualFold(uuid, ServiceUUID) {
						return address, true
					}
				}
			}
		}
	}
	return "", false
}

func (c *Central) waitServicesResolved(dev dbus.BusObject) error {
	for i := 0; i < 50; i++ {
		resolved, err := dev.GetProperty(deviceIface + ".ServicesResolved")
		if err == nil {
			if ok, _ := resolved.Value().(bool); ok {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("GATT services not resolved")
}

// resolveCharacteristics finds the data and control characteristic paths
// under the connected device.
func (c *Central) resolveCharacteristics() error {
	objects := make(map[dbus.ObjectPath]map[string]map[string]dbus.Variant)
	if err := c.conn.Object(bluezBusName, "/").Call(objectManagerGet, 0).Store(&objects); err != nil {
		return fmt.Errorf("failed to get managed objects: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	devicePrefix := string(c.devicePath) + "/service"
	for path, interfaces := range objects {
		if !strings.HasPrefix(string(path), devicePrefix) {
			continue
		}
		charIface, ok := interfaces[gattCharIface]
		if !ok {
			continue
		}
		uuidVariant, ok := charIface["UUID"]
		if !ok {
			continue
		}
		uuid, _ := uuidVariant.Value().(string)
		switch strings.ToUpper(uuid) {
		case DataCharUUID:
			c.dataCharPath = path
			log.Printf("Found data characteristic at %s", path)
		case CtrlCharUUID:
			c.ctrlCharPath = path
			log.Printf("Found control characteristic at %s", path)
		}
	}

	if c.dataCharPath == "" {
		return fmt.Errorf("data characteristic %s not found", DataCharUUID)
	}
	if c.ctrlCharPath == "" {
		return fmt.Errorf("control characteristic %s not found", CtrlCharUUID)
	}
	return nil
}

// monitorNotifications feeds PropertiesChanged value signals from the data
// characteristic into the receiver session and watches the device's
// Connected property so the session survives link drops.
func (c *Central) monitorNotifications() {
	dataRule := fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path='%s'",
		propertiesIface, c.dataCharPath)
	devRule := fmt.Sprintf("type='signal',interface='%s',member='PropertiesChanged',path='%s'",
		propertiesIface, c.devicePath)
	for _, rule := range []string{dataRule, devRule} {
		if err := c.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			log.Printf("Failed to add match rule: %v", err)
			return
		}
	}

	sigChan := make(chan *dbus.Signal, 256)
	c.conn.Signal(sigChan)
	log.Printf("Monitoring notifications...")

	for {
		select {
		case <-c.stopChan:
			c.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, dataRule)
			c.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, devRule)
			c.conn.RemoveSignal(sigChan)
			return

		case sig := <-sigChan:
			if sig == nil || sig.Name != propertiesIface+".PropertiesChanged" {
				continue
			}
			switch sig.Path {
			case c.dataCharPath:
				c.handleDataSignal(sig)
			case c.devicePath:
				c.handleDeviceSignal(sig)
			}
		}
	}
}

func (c *Central) handleDataSignal(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	valueVariant, ok := changed["Value"]
	if !ok {
		return
	}
	value, ok := valueVariant.Value().([]byte)
	if !ok {
		return
	}

	if err := c.receiver.ProcessChunk(value); err != nil {
		log.Printf("Dropped chunk: %v", err)
	}
}

func (c *Central) handleDeviceSignal(sig *dbus.Signal) {
	if len(sig.Body) < 2 {
		return
	}
	changed, ok := sig.Body[1].(map[string]dbus.Variant)
	if !ok {
		return
	}
	connVariant, ok := changed["Connected"]
	if !ok {
		return
	}
	connected, _ := connVariant.Value().(bool)

	c.mu.Lock()
	wasConnected := c.connected
	c.connected = connected
	c.mu.Unlock()

	if wasConnected && !connected {
		// Keep the receiver session: partial blocks persist across the
		// reconnect and the sender resumes from the last cumulative ACK.
		log.Printf("Device disconnected; receive session kept for resume")
		if c.wsHub != nil {
			c.wsHub.Broadcast(utils.Event{Type: "device_disconnected", Payload: nil})
		}
	} else if !wasConnected && connected {
		log.Printf("Device reconnected")
		if c.wsHub != nil {
			c.wsHub.Broadcast(utils.Event{Type: "device_connected", Payload: nil})
		}
	}
}

// writeControl marshals and writes one control message, stamped with
// milliseconds since the session started.
func (c *Central) writeControl(command byte, block uint16) error {
	c.mu.Lock()
	ctrlPath := c.ctrlCharPath
	start := c.sessionStart
	c.mu.Unlock()

	if ctrlPath == "" {
		return fmt.Errorf("control characteristic not resolved")
	}

	var stamp uint32
	if !start.IsZero() {
		stamp = uint32(time.Since(start).Milliseconds())
	}
	msg := protocol.ControlMessage{Command: command, BlockNumber: block, Timestamp: stamp}

	char := c.conn.Object(bluezBusName, ctrlPath)
	options := map[string]interface{}{}
	if err := char.Call(gattCharIface+".WriteValue", 0, msg.Marshal(), options).Err; err != nil {
		return fmt.Errorf("control write failed: %w", err)
	}
	return nil
}
