package bluetooth

// GATT identity of the waveform transfer service.
const (
	ServiceUUID  = "A1B2C3D4-E5F6-4A5B-8C9D-0E1F2A3B4C5D"
	DataCharUUID = "A1B2C3D5-E5F6-4A5B-8C9D-0E1F2A3B4C5D"
	CtrlCharUUID = "A1B2C3D6-E5F6-4A5B-8C9D-0E1F2A3B4C5D"

	// DeviceName is the advertised name of the sensor peripheral.
	DeviceName = "Inductosense Temp"
)

// BlueZ D-Bus names.
const (
	bluezBusName     = "org.bluez"
	adapterIface     = "org.bluez.Adapter1"
	deviceIface      = "org.bluez.Device1"
	gattCharIface    = "org.bluez.GattCharacteristic1"
	propertiesIface  = "org.freedesktop.DBus.Properties"
	objectManagerGet = "org.freedesktop.DBus.ObjectManager.GetManagedObjects"
)

// DefaultAdapterPath is the usual first adapter on a BlueZ host.
const DefaultAdapterPath = "/org/bluez/hci0"

// ScanTimeoutSec bounds discovery when the sensor is not already known to
// BlueZ.
const ScanTimeoutSec = 30

// DefaultMTU is assumed until BlueZ exposes the negotiated value.
const DefaultMTU = 247
