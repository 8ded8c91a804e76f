package server

import (
	"encoding/json"
	"regexp"
	"strconv"
	"time"

	"github.com/Shopify/sarama"

	"github.com/janelia-flyem/dcmseq/dcm"
)

// KafkaMaxMessageSize is the max message size in bytes for a Kafka message.
const KafkaMaxMessageSize = 980 * dcm.Kilo

// KafkaConfig describes kafka servers receiving the activity log.
type KafkaConfig struct {
	TopicActivity string `toml:"topic_activity"` // if supplied, overrides the default activity topic
	Servers       []string
	BufferSize    int `toml:"buffer_size"`
}

// activityLog publishes JSON activity records, e.g., session starts and completions,
// to a kafka topic.  A nil *activityLog drops records.
type activityLog struct {
	producer sarama.AsyncProducer
	topic    string
	done     chan struct{}
}

// activityTopic returns the topic for this host after removing characters kafka rejects.
func (kc KafkaConfig) activityTopic(hostID string) string {
	topic := kc.TopicActivity
	if topic == "" {
		topic = "dcmseqactivity-" + hostID
	}
	reg := regexp.MustCompile(`[^a-zA-Z0-9\._\-]+`)
	return reg.ReplaceAllString(topic, "-")
}

// newActivityLog connects to the configured kafka servers, or returns nil if none.
func newActivityLog(kc KafkaConfig, hostID string) (*activityLog, error) {
	if len(kc.Servers) == 0 {
		return nil, nil
	}
	config := sarama.NewConfig()
	config.Producer.MaxMessageBytes = KafkaMaxMessageSize
	if kc.BufferSize > 0 {
		config.ChannelBufferSize = kc.BufferSize
	}
	producer, err := sarama.NewAsyncProducer(kc.Servers, config)
	if err != nil {
		return nil, err
	}
	a := startActivityLog(producer, kc.activityTopic(hostID))
	dcm.Infof("Kafka topic for dcmseq activity: %s\n", a.topic)
	return a, nil
}

func startActivityLog(producer sarama.AsyncProducer, topic string) *activityLog {
	a := &activityLog{producer: producer, topic: topic, done: make(chan struct{})}
	go func() {
		defer close(a.done)
		for err := range producer.Errors() {
			dcm.Errorf("error on kafka send: %v\n", err)
		}
	}()
	return a
}

// log publishes an activity record keyed by the current time.
func (a *activityLog) log(activity map[string]interface{}) {
	if a == nil {
		return
	}
	jsonmsg, err := json.Marshal(activity)
	if err != nil {
		dcm.Errorf("unable to marshal activity for kafka logging: %v\n", err)
		return
	}
	if len(jsonmsg) > KafkaMaxMessageSize {
		dcm.Errorf("activity record of %s too large for kafka\n", dcm.HumanBytes(int64(len(jsonmsg))))
		return
	}
	timeKey := sarama.StringEncoder(strconv.FormatInt(time.Now().UnixNano(), 10))
	a.producer.Input() <- &sarama.ProducerMessage{Topic: a.topic, Value: sarama.ByteEncoder(jsonmsg), Key: timeKey}
}

// close flushes the queue before stopping.
func (a *activityLog) close() {
	if a == nil {
		return
	}
	if err := a.producer.Close(); err != nil {
		dcm.Errorf("Kafka producer had error on close: %v\n", err)
	} else {
		dcm.Infof("Successfully shut down kafka producer.\n")
	}
	<-a.done
}
