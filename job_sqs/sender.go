package job_sqs

import (
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sqs"
)

type SqsSender struct {
	QueueName string
	SqsClient *sqs.SQS
}

func (sender SqsSender) GetQueueURL(queue *string) (*sqs.GetQueueUrlOutput, error) {
	result, err := sender.SqsClient.GetQueueUrl(&sqs.GetQueueUrlInput{
		QueueName: queue,
	})

	if err != nil {
		return nil, err
	}

	return result, nil
}

// Send pushes one queued submission (JSON) onto the submit queue.
func (sender SqsSender) Send(data string) error {
	result, err := sender.GetQueueURL(&sender.QueueName)
	if err != nil {
		fmt.Println("Got an error getting the queue URL:")
		fmt.Println(err)
		return err
	}

	queueURL := result.QueueUrl

	_, err1 := sender.SqsClient.SendMessage(&sqs.SendMessageInput{
		MessageAttributes: map[string]*sqs.MessageAttributeValue{
			"Type": &sqs.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String("TranscodingTaskSubmission"),
			},
		},
		MessageGroupId: aws.String("transcodingtask"),
		MessageBody:    aws.String(data),
		QueueUrl:       queueURL,
	})

	if err1 != nil {
		fmt.Println("Failed to send message: ", err1)
		return err1
	}

	return nil
}

func (sender SqsSender) CreateClient() *sqs.SQS {
	sess, _ := session.NewSession(&aws.Config{
		Region: aws.String("us-east-1")},
	)

	client := sqs.New(sess)
	return client
}
