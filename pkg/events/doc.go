/*
Package events provides an in-process pub/sub broker for control-plane events.

The orchestrator and consistency checker publish lifecycle events (instance
registered/failed, streams assigned, rebalance completed, consistency issues
found) and any component can subscribe. Distribution is asynchronous;
subscribers that fall behind drop events rather than stalling the broker
loop, so publishing is never a blocking operation on a request path.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for ev := range sub {
			logger.Info().Str("type", string(ev.Type)).Msg(ev.Message)
		}
	}()
*/
package events
