package config

// Embedded configuration, keyed by device ID.

const cfgPico = `
logging:
  level: info
knob:
  label: volume
  pins: {a: 2, b: 3, switch: 4}
  pull: up
  wrap: true
  limits: {min: 0, max: 255}
  initial: 32
  poll_interval_ms: 20
bridge:
  transport:
    type: uart
    uart: {port: uart0, baud: 115200, tx_pin: 0, rx_pin: 1}
display:
  enabled: true
  address: 0x3c
  width: 128
  height: 64
heartbeat:
  interval_s: 30
`

// Raspberry Pi header: BCM numbering, external pull-ups on the module.
const cfgRPi = `
logging:
  level: info
knob:
  label: volume
  pins: {a: 17, b: 27, switch: 22}
  pull: none
  wrap: false
  limits: {min: 0, max: 100}
  initial: 50
wsfeed:
  listen: ":8080"
heartbeat:
  interval_s: 10
`

// Host simulation on fake pins.
const cfgHost = `
logging:
  level: debug
knob:
  label: sim
  pins: {a: 2, b: 3, switch: 4}
wsfeed:
  listen: "127.0.0.1:8080"
`

var embeddedConfigs = map[string][]byte{
	"pico": []byte(cfgPico),
	"rpi":  []byte(cfgRPi),
	"host": []byte(cfgHost),
}
