// Package request 是请求提交面：保存请求、投递到队列，并由 Processor 消费后交给 APEX 引擎执行。
package request
