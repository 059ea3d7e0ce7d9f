package bridge

import (
	"strconv"
	"strings"
)

// Topic prefixes shared with the simulation side.
const (
	SensorDigitalPrefix   = "sensor/digital/"
	ActuatorDigitalPrefix = "actuator/digital/"
	ActuatorMotorPrefix   = "actuator/motor/"

	ImageInputsPrefix  = "image/inputs/"
	ImageOutputsPrefix = "image/outputs/"
)

// SensorTopic returns the topic of the digital sensor name.
func SensorTopic(name string) string { return SensorDigitalPrefix + name }

// ActuatorTopic returns the topic of the digital actuator name.
func ActuatorTopic(name string) string { return ActuatorDigitalPrefix + name }

// MotorTopic returns the velocity topic of the motor name.
func MotorTopic(name string) string { return ActuatorMotorPrefix + name }

// TopicName returns the last segment of topic.
func TopicName(topic string) string {
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		return topic[i+1:]
	}

	return topic
}

// FormatBool encodes a digital value as "true" or "false".
func FormatBool(v bool) []byte { return strconv.AppendBool(nil, v) }

// ParseBool decodes a digital value.
func ParseBool(payload []byte) (bool, error) { return strconv.ParseBool(string(payload)) }

// FormatFloat encodes an analog value such as a motor velocity.
func FormatFloat(v float64) []byte { return strconv.AppendFloat(nil, v, 'g', -1, 64) }

// ParseFloat decodes an analog value.
func ParseFloat(payload []byte) (float64, error) {
	return strconv.ParseFloat(strings.TrimSpace(string(payload)), 64)
}
