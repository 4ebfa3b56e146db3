package queue

import (
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
)

// NewMemoryPubSub はプロセス内で完結するPub/Subを生成する。
// バッファはプロセスの停止で失われ、購読者がいない間に投入されたメッセージも届かないため、
// ワーカーのルーターが起動してから受付を開始すること。
// 失われたジョブは送信ログのaggregated_atが未設定のまま残り、再投入スイーパーが拾う。
func NewMemoryPubSub(logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            1024,
		Persistent:                     false,
		BlockPublishUntilSubscriberAck: false,
	}, logger)
}

// sharedSubscriber はCloseを呼んでも下位のPub/Subを閉じないSubscriber。
// gochannelはSubscriberのCloseでPublisherも含めて閉じるため、
// ルーターを再起動しても受付側の投入が続けられるようにする。
// NATSの購読も同様に、監視ツリーによるコンシューマーの再起動をまたいで使い回す。
type sharedSubscriber struct {
	message.Subscriber
}

func (sharedSubscriber) Close() error {
	return nil
}

// KeepOpen はCloseを無視するようにsubを包む。
// 包んだ場合、下位のPub/Subは呼び出し側が明示的に閉じること。
func KeepOpen(sub message.Subscriber) message.Subscriber {
	return sharedSubscriber{Subscriber: sub}
}
