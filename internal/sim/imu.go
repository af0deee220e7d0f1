package sim

import (
	"math"

	"github.com/banshee-data/rover/internal/imu"
	"github.com/banshee-data/rover/internal/serialmux"
)

// IMUPort is a serial port onto a simulated IMU board. Each angle request is
// answered with the base's true heading; yaw is measured from the heading
// at the last reset.
type IMUPort struct {
	*serialmux.TestableSerialPort
	base *Base
	zero float64
}

// NewIMUPort creates a board mounted on base.
func NewIMUPort(base *Base) *IMUPort {
	return &IMUPort{
		TestableSerialPort: serialmux.NewTestableSerialPort(),
		base:               base,
		zero:               base.TruePose().Theta,
	}
}

// Write answers the board's single-byte commands.
func (p *IMUPort) Write(b []byte) (int, error) {
	n, err := p.TestableSerialPort.Write(b)
	if err != nil {
		return n, err
	}
	for _, c := range b {
		switch c {
		case '0':
			p.zero = p.base.TruePose().Theta
		case 'e':
			yaw := (p.base.TruePose().Theta - p.zero) * 180 / math.Pi
			yaw = math.Remainder(yaw, 360)
			p.AddReadData([]byte(imu.FormatAngles(imu.Angles{Yaw: yaw}) + "\r\n"))
		case 'a':
			logf("imu calibration requested")
		}
	}
	return n, nil
}
