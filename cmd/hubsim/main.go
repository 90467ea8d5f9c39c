package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"liyu1981.xyz/medipi-dispenser/pkg/connectivity"
	"liyu1981.xyz/medipi-dispenser/pkg/models"
)

type medication struct {
	Name       string
	DosageUnit string
	Amount     int
}

type sample struct {
	Description string
	Chambers    []int
	Medications []medication
}

var samples = map[string]sample{
	"single": {
		Description: "single medication chamber",
		Chambers:    []int{1},
		Medications: []medication{{"Test Pill", "mg", 1}},
	},
	"odd": {
		Description: "odd-numbered chambers",
		Chambers:    []int{1, 3, 5},
		Medications: []medication{{"Morning Pill", "mg", 1}, {"Afternoon Pill", "mg", 1}, {"Evening Pill", "mg", 2}},
	},
	"even": {
		Description: "even-numbered chambers",
		Chambers:    []int{2, 4, 6},
		Medications: []medication{{"Aspirin", "mg", 1}, {"Vitamin C", "mg", 1}, {"Calcium", "mg", 2}},
	},
	"all": {
		Description: "every chamber",
		Chambers:    []int{1, 2, 3, 4, 5, 6},
		Medications: []medication{
			{"Aspirin", "mg", 1}, {"Vitamin C", "mg", 1}, {"Calcium", "mg", 1},
			{"Zinc", "mg", 1}, {"Iron", "mg", 1}, {"Vitamin D", "IU", 1},
		},
	},
	"realistic": {
		Description: "a realistic patient schedule",
		Chambers:    []int{1, 2, 4},
		Medications: []medication{{"Lisinopril", "tablet", 5}, {"Metformin", "tablet", 2}, {"Atorvastatin", "tablet", 1}},
	},
}

func main() {
	brokerAddr := flag.String("broker", "tcp://localhost:1883", "MQTT broker address, e.g. tcp://localhost:1883")
	serial := flag.String("serial", "", "Dispenser serial number, e.g. DISP1573AB97")
	prefix := flag.String("prefix", "", "Topic prefix used by the dispenser, e.g. medipi")
	sampleName := flag.String("sample", "single", "Sample schedule: single, odd, even, all, realistic")
	chamberList := flag.String("chambers", "", "Custom chambers, comma separated, e.g. 1,3,5")
	hour := flag.Int("hour", 12, "Hour of day the schedule is due")
	tag := flag.String("tag", "", "RFID tag the patient must present")
	requireAuth := flag.Bool("auth", false, "Require RFID authentication instead of bypassing it")
	pushOnly := flag.Bool("push", false, "Only push the schedule set, do not dispense")
	hardwareTest := flag.Bool("hardware-test", false, "Run a hardware self-test instead of dispensing")
	component := flag.String("component", "all", "Component for the hardware test: all, display, audio, rfid, servo")
	wait := flag.Duration("wait", 30*time.Second, "How long to print replies before disconnecting")

	flag.Parse()

	if *serial == "" {
		log.Fatal("-serial is required")
	}

	topics := connectivity.NewTopics(*prefix, *serial)

	clientID := fmt.Sprintf("medipi-hubsim-%d", time.Now().UnixNano())
	opts := mqtt.NewClientOptions().AddBroker(*brokerAddr).SetClientID(clientID)
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		filters := map[string]byte{
			topics.Logs:      1,
			topics.Confirm:   1,
			topics.Status:    1,
			topics.Discovery: 1,
		}
		if token := c.SubscribeMultiple(filters, printReply); token.Wait() && token.Error() != nil {
			log.Printf("subscribe error: %v", token.Error())
		}
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		log.Fatalf("failed to connect to broker: %v", token.Error())
	}
	log.Printf("connected to MQTT broker %s as %s", *brokerAddr, clientID)

	publish := func(topic string, v any) {
		data, err := json.Marshal(v)
		if err != nil {
			log.Fatalf("failed to encode payload: %v", err)
		}
		token := client.Publish(topic, 1, false, data)
		token.Wait()
		if err := token.Error(); err != nil {
			log.Fatalf("publish error: %v", err)
		}
		log.Printf("published %s %s", topic, data)
	}

	if *hardwareTest {
		publish(topics.Commands, models.Command{Action: models.ActionTestHardware, Component: *component})
	} else {
		s, err := buildSchedule(*sampleName, *chamberList, *hour, *tag)
		if err != nil {
			log.Fatal(err)
		}
		publish(topics.Schedules, []models.Schedule{s})

		if !*pushOnly {
			if *requireAuth {
				log.Print("RFID authentication required, present the patient tag")
			}
			publish(topics.Commands, models.Command{
				Action:     models.ActionDispense,
				ScheduleID: s.ID,
				Authorized: !*requireAuth,
			})
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		log.Print("received shutdown signal, disconnecting")
	case <-time.After(*wait):
	}
	client.Disconnect(250)
}

func buildSchedule(name, chamberList string, hour int, tag string) (models.Schedule, error) {
	smp, ok := samples[name]
	if !ok {
		return models.Schedule{}, fmt.Errorf("unknown sample %q", name)
	}

	chambers := smp.Chambers
	if chamberList != "" {
		chambers = nil
		for _, part := range strings.Split(chamberList, ",") {
			c, err := strconv.Atoi(strings.TrimSpace(part))
			if err != nil || c < 1 {
				return models.Schedule{}, fmt.Errorf("invalid chamber %q", part)
			}
			chambers = append(chambers, c)
		}
	}
	log.Printf("sample %s (%s), chambers %v", name, smp.Description, chambers)

	s := models.Schedule{
		ID:          uuid.NewString(),
		PatientName: "Test Patient",
		PatientID:   "patient123",
		Hour:        hour,
		StartDate:   time.Now().Truncate(24 * time.Hour),
		IsActive:    true,
		RfidTag:     tag,
	}
	for i, c := range chambers {
		med := smp.Medications[min(i, len(smp.Medications)-1)]
		if chamberList != "" {
			med = medication{Name: fmt.Sprintf("Test Med %d", i+1), DosageUnit: "tablet", Amount: 1}
		}
		s.ChamberAssignments = append(s.ChamberAssignments, models.ChamberAssignment{
			ChamberIndex:   c,
			MedicationName: med.Name,
			DosageUnit:     med.DosageUnit,
			DoseCount:      med.Amount,
		})
	}
	slices.SortFunc(s.ChamberAssignments, func(a, b models.ChamberAssignment) int {
		return a.ChamberIndex - b.ChamberIndex
	})
	return s, nil
}

func printReply(_ mqtt.Client, msg mqtt.Message) {
	var out bytes.Buffer
	if err := json.Indent(&out, msg.Payload(), "", "  "); err != nil {
		log.Printf("received on %s: %s", msg.Topic(), msg.Payload())
		return
	}
	log.Printf("received on %s:\n%s", msg.Topic(), out.String())
}
